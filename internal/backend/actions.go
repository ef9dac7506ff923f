package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"stackup/internal/constants"
	"stackup/internal/descriptor"
	"stackup/internal/logger"
)

// PackageInstaller installs a distribution package. Each backend supplies
// its own.
type PackageInstaller func(ctx context.Context, pkg *descriptor.PackageAction) error

// ActionRunner executes the backend-independent install actions
type ActionRunner struct {
	executor CommandExecutor
	client   *http.Client
	git      *GitSync
}

// NewActionRunner creates an action runner. A nil client uses http.DefaultClient.
func NewActionRunner(executor CommandExecutor, client *http.Client) *ActionRunner {
	if executor == nil {
		executor = &DefaultCommandExecutor{}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ActionRunner{
		executor: executor,
		client:   client,
		git:      NewGitSync(),
	}
}

// Run executes the install actions of svc in order. Package actions are
// delegated to packages.
func (r *ActionRunner) Run(ctx context.Context, svc *descriptor.Service, packages PackageInstaller) error {
	for i, action := range svc.Install {
		log := logger.WithContext(ctx).WithFields(logger.Fields{
			"service": svc.ID,
			"action":  action.String(),
			"step":    i + 1,
		})
		log.Info("Running install action")

		var err error
		switch action.Kind() {
		case descriptor.ActionPackage:
			err = packages(ctx, action.Package)
		case descriptor.ActionDownload:
			err = r.Download(ctx, action.Download)
		case descriptor.ActionGit:
			err = r.git.Sync(ctx, action.Git)
		case descriptor.ActionCommand:
			err = r.Command(ctx, action.Command)
		default:
			err = fmt.Errorf("invalid install action")
		}
		if err != nil {
			return fmt.Errorf("install step %d (%s): %w", i+1, action.String(), err)
		}
	}
	return nil
}

// Download fetches a URL to Dest. An existing file with the expected
// checksum is left alone.
func (r *ActionRunner) Download(ctx context.Context, action *descriptor.DownloadAction) error {
	mode, err := parseMode(action.Mode)
	if err != nil {
		return err
	}

	if action.SHA256 != "" {
		if sum, err := fileSHA256(action.Dest); err == nil && strings.EqualFold(sum, action.SHA256) {
			logger.WithField("dest", action.Dest).Debug("Download already present")
			return os.Chmod(action.Dest, mode)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, action.URL, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", action.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", action.URL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(action.Dest), constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(action.Dest), ".stackup-download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", action.URL, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if action.SHA256 != "" {
		if got := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(got, action.SHA256) {
			return fmt.Errorf("checksum mismatch for %s: got %s, want %s", action.URL, got, action.SHA256)
		}
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), action.Dest)
}

// Command runs argv without a shell. When Creates exists the command is skipped.
func (r *ActionRunner) Command(ctx context.Context, action *descriptor.CommandAction) error {
	if action.Creates != "" {
		if _, err := os.Stat(action.Creates); err == nil {
			logger.WithField("creates", action.Creates).Debug("Command output already present, skipping")
			return nil
		}
	}
	_, err := run(ctx, r.executor, nil, action.Argv[0], action.Argv[1:]...)
	return err
}

func parseMode(mode string) (os.FileMode, error) {
	if mode == "" {
		return constants.FilePermissions, nil
	}
	m, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q", mode)
	}
	return os.FileMode(m), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func marshalDescriptor(svc *descriptor.Service) (string, error) {
	data, err := json.Marshal(svc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalDescriptor(data string) (*descriptor.Service, error) {
	var svc descriptor.Service
	if err := json.Unmarshal([]byte(data), &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}
