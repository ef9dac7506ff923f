package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stackup/internal/constants"
	"stackup/internal/errors"
	"stackup/internal/xdg"

	"github.com/pelletier/go-toml/v2"
)

// Backend selection values
const (
	BackendAuto           = "auto"
	BackendAptSystemd     = "apt-systemd"
	BackendNixDeclarative = "nix-declarative"
)

// GlobalConfig represents the engine configuration in config.toml
type GlobalConfig struct {
	Probe   ProbeConfig   `toml:"probe"`
	Backend BackendConfig `toml:"backend"`
	Health  HealthConfig  `toml:"health"`
	State   StateConfig   `toml:"state"`
	Server  ServerConfig  `toml:"server"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// ProbeConfig holds the pre-flight thresholds
type ProbeConfig struct {
	AllowedOS           []string `toml:"allowed_os"` // "id:version", version may be "*"
	MinMemoryMB         uint64   `toml:"min_memory_mb"`
	MinDiskGB           uint64   `toml:"min_disk_gb"`
	DiskPath            string   `toml:"disk_path"`
	SoftMinCPUs         int      `toml:"soft_min_cpus"`
	ReachabilityAddress string   `toml:"reachability_address"`
	ReachabilityTimeout Duration `toml:"reachability_timeout"`
}

// BackendConfig selects and parameterizes the installer backend
type BackendConfig struct {
	Type          string `toml:"type"`
	UnitDir       string `toml:"unit_dir"`
	EnvDir        string `toml:"env_dir"`
	NixConfigPath string `toml:"nix_config_path"`
	NixModulePath string `toml:"nix_module_path"`
}

// HealthConfig holds the default health budgets
type HealthConfig struct {
	Interval      Duration `toml:"interval"`
	Jitter        Duration `toml:"jitter"`
	LightAttempts int      `toml:"light_attempts"`
	HeavyAttempts int      `toml:"heavy_attempts"`
}

// StateConfig locates persisted state
type StateConfig struct {
	Dir          string `toml:"dir"`
	ReportPath   string `toml:"report_path"`
	DatabasePath string `toml:"database_path"`
	LockPath     string `toml:"lock_path"`
}

// ServerConfig configures the status API
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MetricsConfig configures where one-shot runs push their metrics.
// An empty PushGateway disables pushing.
type MetricsConfig struct {
	PushGateway string `toml:"push_gateway"`
	Job         string `toml:"job"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration wraps time.Duration so it can be written as "5s" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultGlobalConfig returns the default engine configuration
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Probe: ProbeConfig{
			AllowedOS:           []string{"debian:12", "nixos:*"},
			MinMemoryMB:         constants.DefaultMinMemoryMB,
			MinDiskGB:           constants.DefaultMinDiskGB,
			DiskPath:            "/",
			SoftMinCPUs:         constants.DefaultSoftMinCPUs,
			ReachabilityAddress: constants.DefaultReachabilityAddress,
			ReachabilityTimeout: Duration{constants.DefaultReachabilityTimeout},
		},
		Backend: BackendConfig{
			Type:          BackendAuto,
			UnitDir:       "/etc/systemd/system",
			EnvDir:        "/etc/stackup",
			NixConfigPath: "/etc/nixos/configuration.nix",
			NixModulePath: "/etc/nixos/stackup.nix",
		},
		Health: HealthConfig{
			Interval:      Duration{constants.DefaultHealthInterval},
			LightAttempts: constants.DefaultLightAttempts,
			HeavyAttempts: constants.DefaultHeavyAttempts,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: constants.DefaultServerPort,
		},
		Metrics: MetricsConfig{
			Job: "stackup",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// GetConfigDir returns the XDG config directory for stackup
func GetConfigDir() (string, error) {
	return xdg.ConfigDir()
}

// LoadGlobalConfig loads config.toml from the XDG config directory, falling
// back to defaults when it does not exist
func LoadGlobalConfig() (*GlobalConfig, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadGlobalConfigFrom(filepath.Join(configDir, "config.toml"))
}

// LoadGlobalConfigFrom loads the configuration at path. A missing file yields defaults.
func LoadGlobalConfigFrom(path string) (*GlobalConfig, error) {
	config := DefaultGlobalConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.FileReadError(path, err)
	default:
		var loaded GlobalConfig
		if err := toml.Unmarshal(data, &loaded); err != nil {
			return nil, errors.ConfigParseError(path, err)
		}
		config = &loaded
		applyDefaults(config)
	}

	if err := resolveStatePaths(config); err != nil {
		return nil, err
	}
	if err := ValidateGlobalConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// applyDefaults fills zero values from DefaultGlobalConfig
func applyDefaults(config *GlobalConfig) {
	defaults := DefaultGlobalConfig()

	if len(config.Probe.AllowedOS) == 0 {
		config.Probe.AllowedOS = defaults.Probe.AllowedOS
	}
	if config.Probe.MinMemoryMB == 0 {
		config.Probe.MinMemoryMB = defaults.Probe.MinMemoryMB
	}
	if config.Probe.MinDiskGB == 0 {
		config.Probe.MinDiskGB = defaults.Probe.MinDiskGB
	}
	if config.Probe.DiskPath == "" {
		config.Probe.DiskPath = defaults.Probe.DiskPath
	}
	if config.Probe.SoftMinCPUs == 0 {
		config.Probe.SoftMinCPUs = defaults.Probe.SoftMinCPUs
	}
	if config.Probe.ReachabilityAddress == "" {
		config.Probe.ReachabilityAddress = defaults.Probe.ReachabilityAddress
	}
	if config.Probe.ReachabilityTimeout.Duration == 0 {
		config.Probe.ReachabilityTimeout = defaults.Probe.ReachabilityTimeout
	}

	if config.Backend.Type == "" {
		config.Backend.Type = defaults.Backend.Type
	}
	if config.Backend.UnitDir == "" {
		config.Backend.UnitDir = defaults.Backend.UnitDir
	}
	if config.Backend.EnvDir == "" {
		config.Backend.EnvDir = defaults.Backend.EnvDir
	}
	if config.Backend.NixConfigPath == "" {
		config.Backend.NixConfigPath = defaults.Backend.NixConfigPath
	}
	if config.Backend.NixModulePath == "" {
		config.Backend.NixModulePath = defaults.Backend.NixModulePath
	}

	if config.Health.Interval.Duration == 0 {
		config.Health.Interval = defaults.Health.Interval
	}
	if config.Health.LightAttempts == 0 {
		config.Health.LightAttempts = defaults.Health.LightAttempts
	}
	if config.Health.HeavyAttempts == 0 {
		config.Health.HeavyAttempts = defaults.Health.HeavyAttempts
	}

	if config.Server.Host == "" {
		config.Server.Host = defaults.Server.Host
	}
	if config.Server.Port == 0 {
		config.Server.Port = defaults.Server.Port
	}

	if config.Metrics.Job == "" {
		config.Metrics.Job = defaults.Metrics.Job
	}

	if config.Log.Level == "" {
		config.Log.Level = defaults.Log.Level
	}
	if config.Log.Format == "" {
		config.Log.Format = defaults.Log.Format
	}
}

// resolveStatePaths derives the report, database and lock paths from the state dir
func resolveStatePaths(config *GlobalConfig) error {
	if config.State.Dir == "" {
		dir, err := xdg.StateDir()
		if err != nil {
			return fmt.Errorf("failed to resolve state directory: %w", err)
		}
		config.State.Dir = dir
	}
	if config.State.ReportPath == "" {
		config.State.ReportPath = filepath.Join(config.State.Dir, "last-run.json")
	}
	if config.State.DatabasePath == "" {
		config.State.DatabasePath = filepath.Join(config.State.Dir, "history.db")
	}
	if config.State.LockPath == "" {
		config.State.LockPath = filepath.Join(config.State.Dir, "stackup.lock")
	}
	return nil
}

// Save writes the configuration to path
func (g *GlobalConfig) Save(path string) error {
	data, err := toml.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(path, data, constants.FilePermissions)
}

// ValidateGlobalConfig validates the engine configuration
func ValidateGlobalConfig(config *GlobalConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	switch config.Backend.Type {
	case BackendAuto, BackendAptSystemd, BackendNixDeclarative:
	default:
		return errors.ConfigValidationError("backend.type", fmt.Sprintf("unknown backend %q", config.Backend.Type))
	}

	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return errors.ConfigValidationError("server.port", fmt.Sprintf("invalid port: %d", config.Server.Port))
	}
	if config.Health.LightAttempts < 1 || config.Health.HeavyAttempts < 1 {
		return errors.ConfigValidationError("health", "attempt budgets must be at least 1")
	}
	if config.Health.Interval.Duration < 0 || config.Health.Jitter.Duration < 0 {
		return errors.ConfigValidationError("health", "intervals cannot be negative")
	}
	for _, entry := range config.Probe.AllowedOS {
		if _, _, err := SplitOS(entry); err != nil {
			return err
		}
	}

	return nil
}

// SplitOS splits an allowed_os entry of the form "id:version"
func SplitOS(entry string) (id, version string, err error) {
	id, version, found := strings.Cut(entry, ":")
	if !found || id == "" || version == "" {
		return "", "", errors.ConfigValidationError("probe.allowed_os", fmt.Sprintf("entry %q must be id:version", entry))
	}
	return id, version, nil
}
