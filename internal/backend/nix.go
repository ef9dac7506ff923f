package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"stackup/internal/config"
	"stackup/internal/constants"
	"stackup/internal/descriptor"
	"stackup/internal/errors"
	"stackup/internal/logger"
)

const (
	markerBegin = "# stackup:begin"
	markerEnd   = "# stackup:end"
)

var importsPattern = regexp.MustCompile(`(?m)^[ \t]*imports[ \t]*=[ \t\r\n]*\[`)

// NixDeclarative folds services into a generated NixOS module and realizes
// them with a single nixos-rebuild switch
type NixDeclarative struct {
	cfg      config.BackendConfig
	store    StateStore
	executor CommandExecutor
	actions  *ActionRunner

	staged []*descriptor.Service
}

// NewNixDeclarative creates the declarative NixOS backend
func NewNixDeclarative(opts Options) *NixDeclarative {
	actions := opts.Actions
	if actions == nil {
		actions = NewActionRunner(opts.Executor, nil)
	}
	return &NixDeclarative{
		cfg:      opts.Config,
		store:    opts.Store,
		executor: opts.Executor,
		actions:  actions,
	}
}

// Name implements Backend
func (n *NixDeclarative) Name() string { return config.BackendNixDeclarative }

// IsCurrent implements Backend
func (n *NixDeclarative) IsCurrent(ctx context.Context, svc *descriptor.Service) (bool, error) {
	recorded, err := isRecorded(ctx, n.store, n.Name(), svc)
	if err != nil || !recorded {
		return false, err
	}
	if !managesUnit(svc) {
		return true, nil
	}
	return n.IsActive(ctx, svc.UnitName())
}

// Apply runs the imperative install actions and stages the service for the
// next Converge. Package actions become environment.systemPackages entries.
func (n *NixDeclarative) Apply(ctx context.Context, svc *descriptor.Service) error {
	stagePackage := func(ctx context.Context, pkg *descriptor.PackageAction) error {
		if pkg.Version != "" {
			logger.WithFields(logger.Fields{"package": pkg.Name, "version": pkg.Version}).
				Warn("Version constraints are not supported for nix packages; using the channel version")
		}
		return nil
	}
	if err := n.actions.Run(ctx, svc, stagePackage); err != nil {
		return err
	}
	if svc.Unit.Template != "" {
		logger.WithField("service", svc.ID).Debug("Unit template ignored; rendering from exec, user and after")
	}

	n.staged = append(n.staged, svc)
	logger.WithContext(ctx).WithField("service", svc.ID).Info("Service staged for convergence")
	return nil
}

// Staged returns the ids waiting for Converge
func (n *NixDeclarative) Staged() []string {
	ids := make([]string, len(n.staged))
	for i, svc := range n.staged {
		ids[i] = svc.ID
	}
	return ids
}

// Converge implements Converger. The module is regenerated from every
// service ever applied through this backend plus the staged ones, so partial
// runs never drop previously converged services.
func (n *NixDeclarative) Converge(ctx context.Context) error {
	if len(n.staged) == 0 {
		return nil
	}
	staged := n.staged
	n.staged = nil

	services, err := n.desiredServices(ctx, staged)
	if err != nil {
		return err
	}
	module, err := RenderNixModule(services)
	if err != nil {
		return err
	}
	// configuration.nix is validated before anything is written
	patch, err := prepareImport(n.cfg.NixConfigPath, n.cfg.NixModulePath)
	if err != nil {
		return err
	}
	if _, err := writeIfChanged(n.cfg.NixModulePath, module, constants.FilePermissions); err != nil {
		return err
	}
	if _, err := patch.apply(); err != nil {
		return err
	}

	logger.WithContext(ctx).WithField("services", len(staged)).Info("Running nixos-rebuild switch")
	if _, err := run(ctx, n.executor, nil, "nixos-rebuild", "switch"); err != nil {
		return err
	}

	if n.store == nil {
		return nil
	}
	for _, svc := range staged {
		applied, err := newAppliedService(n.Name(), svc)
		if err != nil {
			return err
		}
		if err := n.store.RecordApplied(ctx, applied); err != nil {
			return err
		}
	}
	return nil
}

// IsActive implements Backend
func (n *NixDeclarative) IsActive(ctx context.Context, unit string) (bool, error) {
	return systemctlIsActive(ctx, n.executor, unit)
}

func (n *NixDeclarative) desiredServices(ctx context.Context, staged []*descriptor.Service) ([]*descriptor.Service, error) {
	byID := make(map[string]*descriptor.Service)
	if n.store != nil {
		applied, err := n.store.ListApplied(ctx, n.Name())
		if err != nil {
			return nil, err
		}
		for _, a := range applied {
			svc, err := unmarshalDescriptor(a.Descriptor)
			if err != nil {
				logger.WithError(err).WithField("service", a.ServiceID).Warn("Ignoring unreadable applied descriptor")
				continue
			}
			byID[svc.ID] = svc
		}
	}
	for _, svc := range staged {
		byID[svc.ID] = svc
	}

	services := make([]*descriptor.Service, 0, len(byID))
	for _, svc := range byID {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services, nil
}

// RenderNixModule renders services as a NixOS module. Output depends only on
// the input, so unchanged descriptors produce a byte-identical file.
func RenderNixModule(services []*descriptor.Service) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# Managed by stackup. Changes will be overwritten.\n")
	buf.WriteString("{ config, pkgs, ... }:\n\n{\n")

	seen := make(map[string]bool)
	var packages []string
	for _, svc := range services {
		for _, action := range svc.Install {
			if action.Package != nil && !seen[action.Package.Name] {
				seen[action.Package.Name] = true
				packages = append(packages, action.Package.Name)
			}
		}
	}
	sort.Strings(packages)
	if len(packages) > 0 {
		buf.WriteString("  environment.systemPackages = with pkgs; [\n")
		for _, p := range packages {
			fmt.Fprintf(&buf, "    %s\n", p)
		}
		buf.WriteString("  ];\n")
	}

	for _, svc := range services {
		if !managesUnit(svc) {
			continue
		}
		buf.WriteString("\n")
		writeNixService(&buf, svc)
	}

	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeNixService(buf *bytes.Buffer, svc *descriptor.Service) {
	data := newUnitData(svc, "")

	fmt.Fprintf(buf, "  systemd.services.%s = {\n", nixString(svc.UnitName()))
	fmt.Fprintf(buf, "    description = %s;\n", nixString(data.Description))
	fmt.Fprintf(buf, "    after = %s;\n", nixList(strings.Fields(data.After)))
	buf.WriteString("    wants = [ \"network-online.target\" ];\n")
	buf.WriteString("    wantedBy = [ \"multi-user.target\" ];\n")

	if len(svc.Config) > 0 {
		buf.WriteString("    environment = {\n")
		for _, key := range sortedKeys(svc.Config) {
			fmt.Fprintf(buf, "      %s = %s;\n", key, nixString(svc.Config[key]))
		}
		buf.WriteString("    };\n")
	}

	buf.WriteString("    serviceConfig = {\n")
	if data.Exec != "" {
		fmt.Fprintf(buf, "      ExecStart = %s;\n", nixString(data.Exec))
	}
	if data.User != "" {
		fmt.Fprintf(buf, "      User = %s;\n", nixString(data.User))
	}
	if data.WorkingDir != "" {
		fmt.Fprintf(buf, "      WorkingDirectory = %s;\n", nixString(data.WorkingDir))
	}
	fmt.Fprintf(buf, "      Restart = %s;\n", nixString(data.Restart))
	if data.RestartSec != "" {
		fmt.Fprintf(buf, "      RestartSec = %s;\n", nixString(data.RestartSec))
	}
	buf.WriteString("    };\n")
	buf.WriteString("  };\n")
}

func nixString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func nixList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = nixString(item)
	}
	return "[ " + strings.Join(quoted, " ") + " ]"
}

// EnsureImport makes configurationPath import modulePath. The import lives
// between marker comments so later runs replace it instead of appending.
// Nothing is written when the import is already present or when the file
// cannot be patched safely.
func EnsureImport(configurationPath, modulePath string) (bool, error) {
	patch, err := prepareImport(configurationPath, modulePath)
	if err != nil {
		return false, err
	}
	return patch.apply()
}

// importPatch is a validated, not yet written, configuration.nix change
type importPatch struct {
	path    string
	content []byte
	mode    os.FileMode
	changed bool
}

func prepareImport(configurationPath, modulePath string) (*importPatch, error) {
	content, err := os.ReadFile(configurationPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(configurationPath)
		}
		return nil, errors.FileReadError(configurationPath, err)
	}

	patched, err := PatchImports(string(content), importPath(configurationPath, modulePath))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(configurationPath)
	if err != nil {
		return nil, errors.FileReadError(configurationPath, err)
	}
	return &importPatch{
		path:    configurationPath,
		content: []byte(patched),
		mode:    info.Mode().Perm(),
		changed: patched != string(content),
	}, nil
}

func (p *importPatch) apply() (bool, error) {
	if !p.changed {
		return false, nil
	}
	if err := writeAtomic(p.path, p.content, p.mode); err != nil {
		return false, errors.FileWriteError(p.path, err)
	}
	logger.WithField("path", p.path).Info("Added stackup module import")
	return true, nil
}

// PatchImports returns content with imp inside the marker block
func PatchImports(content, imp string) (string, error) {
	begins := strings.Count(content, markerBegin)
	ends := strings.Count(content, markerEnd)
	if begins != ends || begins > 1 {
		return "", errors.ConfigValidationError("configuration.nix", "unbalanced stackup markers")
	}

	if begins == 1 {
		start := strings.Index(content, markerBegin)
		end := strings.Index(content, markerEnd)
		if end < start {
			return "", errors.ConfigValidationError("configuration.nix", "unbalanced stackup markers")
		}
		indent := lineIndent(content, start)
		block := markerBegin + "\n" + indent + imp + "\n" + indent + markerEnd
		return content[:start] + block + content[end+len(markerEnd):], nil
	}

	if containsImport(content, imp) {
		return content, nil
	}

	if loc := importsPattern.FindStringIndex(content); loc != nil {
		line := content[loc[0]:]
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))] + "  "
		markers := indent + markerBegin + "\n" + indent + imp + "\n" + indent + markerEnd + "\n"

		// Keep a trailing comment on the opening line; otherwise break the
		// list open so inline entries stay outside the marker block.
		rest := content[loc[1]:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			if tail := strings.TrimSpace(rest[:nl]); tail == "" || strings.HasPrefix(tail, "#") {
				at := loc[1] + nl + 1
				return content[:at] + markers + content[at:], nil
			}
		}
		return content[:loc[1]] + "\n" + markers + indent + strings.TrimLeft(rest, " \t"), nil
	}

	closing := strings.LastIndex(content, "}")
	if closing < 0 {
		return "", errors.ConfigValidationError("configuration.nix", "no closing brace found")
	}
	block := "  imports = [\n    " + markerBegin + "\n    " + imp + "\n    " + markerEnd + "\n  ];\n"
	prefix := content[:closing]
	if !strings.HasSuffix(prefix, "\n") {
		prefix += "\n"
	}
	return prefix + block + content[closing:], nil
}

// importPath prefers a relative path when the module sits next to the
// configuration
func importPath(configurationPath, modulePath string) string {
	if filepath.Dir(configurationPath) == filepath.Dir(modulePath) {
		return "./" + filepath.Base(modulePath)
	}
	return modulePath
}

func containsImport(content, imp string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, field := range strings.FieldsFunc(trimmed, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '[' || r == ']' || r == ';'
		}) {
			if field == imp {
				return true
			}
		}
	}
	return false
}

func lineIndent(content string, offset int) string {
	lineStart := strings.LastIndex(content[:offset], "\n") + 1
	line := content[lineStart:offset]
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
