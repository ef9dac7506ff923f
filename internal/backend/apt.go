package backend

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"stackup/internal/config"
	"stackup/internal/constants"
	"stackup/internal/descriptor"
	"stackup/internal/logger"
)

// AptSystemd installs packages with apt and runs services as systemd units,
// one service at a time
type AptSystemd struct {
	cfg      config.BackendConfig
	store    StateStore
	executor CommandExecutor
	actions  *ActionRunner

	indexUpdated bool
}

// NewAptSystemd creates the imperative Debian backend
func NewAptSystemd(opts Options) *AptSystemd {
	actions := opts.Actions
	if actions == nil {
		actions = NewActionRunner(opts.Executor, nil)
	}
	return &AptSystemd{
		cfg:      opts.Config,
		store:    opts.Store,
		executor: opts.Executor,
		actions:  actions,
	}
}

// Name implements Backend
func (a *AptSystemd) Name() string { return config.BackendAptSystemd }

// IsCurrent implements Backend
func (a *AptSystemd) IsCurrent(ctx context.Context, svc *descriptor.Service) (bool, error) {
	recorded, err := isRecorded(ctx, a.store, a.Name(), svc)
	if err != nil || !recorded {
		return false, err
	}
	if !managesUnit(svc) {
		return true, nil
	}
	return a.IsActive(ctx, svc.UnitName())
}

// Apply implements Backend
func (a *AptSystemd) Apply(ctx context.Context, svc *descriptor.Service) error {
	log := logger.WithContext(ctx).WithField("service", svc.ID)

	changed := false
	envFile := ""
	if len(svc.Config) > 0 {
		envFile = filepath.Join(a.cfg.EnvDir, svc.ID+".env")
		c, err := writeIfChanged(envFile, renderEnvFile(svc.Config), constants.SecureFilePermissions)
		if err != nil {
			return err
		}
		changed = changed || c
	}

	if err := a.actions.Run(ctx, svc, a.installPackage); err != nil {
		return err
	}

	if managesUnit(svc) {
		c, err := a.writeUnit(svc, envFile)
		if err != nil {
			return err
		}
		changed = changed || c

		if err := a.startUnit(ctx, svc.UnitName(), changed); err != nil {
			return err
		}
	}

	if a.store != nil {
		applied, err := newAppliedService(a.Name(), svc)
		if err != nil {
			return err
		}
		if err := a.store.RecordApplied(ctx, applied); err != nil {
			return err
		}
	}
	log.WithField("changed", changed).Info("Service applied")
	return nil
}

// IsActive implements Backend
func (a *AptSystemd) IsActive(ctx context.Context, unit string) (bool, error) {
	return systemctlIsActive(ctx, a.executor, unit)
}

// writeUnit writes the unit file, or a drop-in for units shipped by a package
func (a *AptSystemd) writeUnit(svc *descriptor.Service, envFile string) (bool, error) {
	unitPath := filepath.Join(a.cfg.UnitDir, svc.UnitName()+".service")
	dropInPath := filepath.Join(a.cfg.UnitDir, svc.UnitName()+".service.d", "stackup.conf")

	switch {
	case svc.Unit.Template != "":
		changed, err := writeIfChanged(unitPath, []byte(svc.Unit.Template), constants.FilePermissions)
		if err != nil || envFile == "" {
			return changed, err
		}
		content, err := renderDropIn(svc, envFile)
		if err != nil {
			return false, err
		}
		dropInChanged, err := writeIfChanged(dropInPath, content, constants.FilePermissions)
		return changed || dropInChanged, err
	case svc.Unit.Exec != "":
		content, err := renderUnit(svc, envFile)
		if err != nil {
			return false, err
		}
		return writeIfChanged(unitPath, content, constants.FilePermissions)
	default:
		content, err := renderDropIn(svc, envFile)
		if err != nil {
			return false, err
		}
		return writeIfChanged(dropInPath, content, constants.FilePermissions)
	}
}

// startUnit enables and starts unit. A running unit whose definition or
// environment changed is restarted.
func (a *AptSystemd) startUnit(ctx context.Context, unit string, changed bool) error {
	wasActive, err := a.IsActive(ctx, unit)
	if err != nil {
		return err
	}
	if changed {
		if _, err := run(ctx, a.executor, nil, "systemctl", "daemon-reload"); err != nil {
			return err
		}
	}
	if _, err := run(ctx, a.executor, nil, "systemctl", "enable", "--now", unit); err != nil {
		return err
	}
	if changed && wasActive {
		logger.WithField("unit", unit).Info("Restarting unit after configuration change")
		if _, err := run(ctx, a.executor, nil, "systemctl", "restart", unit); err != nil {
			return err
		}
	}
	return nil
}

// installPackage installs pkg unless an acceptable version is already present
func (a *AptSystemd) installPackage(ctx context.Context, pkg *descriptor.PackageAction) error {
	installed, err := a.installedVersion(ctx, pkg.Name)
	if err != nil {
		return err
	}
	if installed != "" && versionSatisfied(pkg.Version, installed) {
		logger.WithFields(logger.Fields{"package": pkg.Name, "version": installed}).Debug("Package already installed")
		return nil
	}

	env := []string{"DEBIAN_FRONTEND=noninteractive"}
	if !a.indexUpdated {
		if _, err := run(ctx, a.executor, env, "apt-get", "update"); err != nil {
			return err
		}
		a.indexUpdated = true
	}

	target := pkg.Name
	if pkg.Version != "" {
		target += "=" + pkg.Version
	}
	_, err = run(ctx, a.executor, env, "apt-get", "install", "-y", "--no-install-recommends", target)
	return err
}

// installedVersion returns "" when the package is not installed
func (a *AptSystemd) installedVersion(ctx context.Context, name string) (string, error) {
	output, err := run(ctx, a.executor, nil, "dpkg-query", "-W", "-f=${Status}|${Version}", name)
	if err != nil {
		if exitedNonZero(err) {
			return "", nil
		}
		return "", err
	}
	status, version, ok := strings.Cut(strings.TrimSpace(string(output)), "|")
	if !ok || status != "install ok installed" {
		return "", nil
	}
	return version, nil
}

// versionSatisfied matches an apt-style version constraint: empty accepts
// anything, otherwise an exact version or a glob such as "0.3.*"
func versionSatisfied(constraint, installed string) bool {
	if constraint == "" {
		return true
	}
	ok, err := path.Match(constraint, installed)
	return err == nil && ok
}

// managesUnit reports whether the service runs as a systemd unit
func managesUnit(svc *descriptor.Service) bool {
	return svc.Unit.Template != "" || svc.Unit.Exec != "" || svc.Unit.Name != ""
}

// systemctlIsActive maps `systemctl is-active` exit status to a bool
func systemctlIsActive(ctx context.Context, executor CommandExecutor, unit string) (bool, error) {
	_, err := run(ctx, executor, nil, "systemctl", "is-active", "--quiet", unit)
	if err == nil {
		return true, nil
	}
	if exitedNonZero(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to query unit %s: %w", unit, err)
}
