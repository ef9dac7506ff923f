package commands

import (
	"io"
	"os"
	"path/filepath"

	"stackup/internal/config"
	"stackup/internal/operations"
)

// Env is shared by all commands. The root command fills Config before any
// subcommand runs.
type Env struct {
	ConfigPath string
	Config     *config.GlobalConfig
	Out        io.Writer
	// Deps replaces the real prober and backends, used by tests
	Deps operations.Dependencies
}

// NewEnv creates an Env writing to stdout
func NewEnv() *Env {
	return &Env{Out: os.Stdout}
}

// DefaultConfigPath returns config.toml in the XDG config directory
func DefaultConfigPath() string {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(dir, "config.toml")
}

// Load reads the configuration at e.ConfigPath
func (e *Env) Load() error {
	if e.ConfigPath == "" {
		e.ConfigPath = DefaultConfigPath()
	}
	cfg, err := config.LoadGlobalConfigFrom(e.ConfigPath)
	if err != nil {
		return err
	}
	e.Config = cfg
	return nil
}
