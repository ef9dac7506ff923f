// Package constants defines application-wide constants to avoid magic numbers
package constants

import "time"

// Network and Port Constants
const (
	// DefaultServerPort is the default port for the stackup status API
	DefaultServerPort = 8090

	// DefaultReachabilityAddress is dialed by the target probe to confirm outbound network access
	DefaultReachabilityAddress = "1.1.1.1:443"

	// DefaultReachabilityTimeout bounds the single outbound reachability check
	DefaultReachabilityTimeout = 5 * time.Second
)

// File System Permissions
const (
	// DirPermissions is the standard directory permissions for stackup directories
	DirPermissions = 0755

	// FilePermissions is the standard file permissions for generated config files
	FilePermissions = 0644

	// SecureFilePermissions is used for environment files that may hold credentials
	SecureFilePermissions = 0600
)

// Pre-flight thresholds
const (
	// DefaultMinMemoryMB is the minimum RAM required to host an LLM runtime
	DefaultMinMemoryMB = 8192

	// DefaultMinDiskGB is the minimum free disk space for models and images
	DefaultMinDiskGB = 50

	// DefaultSoftMinCPUs is the core count below which a warning is recorded
	DefaultSoftMinCPUs = 4
)

// Health verification budgets
const (
	// DefaultHealthInterval is the fixed delay between health probe attempts
	DefaultHealthInterval = 1 * time.Second

	// DefaultLightAttempts is the attempt budget for lightweight HTTP services
	DefaultLightAttempts = 30

	// DefaultHeavyAttempts is the attempt budget for services that download models on first start
	DefaultHeavyAttempts = 900

	// DefaultProbeRequestTimeout bounds a single HTTP or TCP probe
	DefaultProbeRequestTimeout = 5 * time.Second
)

// HTTP Configuration
const (
	// DefaultServerReadTimeout is the default server read timeout
	DefaultServerReadTimeout = 10 * time.Second

	// DefaultServerWriteTimeout is the default server write timeout
	DefaultServerWriteTimeout = 10 * time.Second

	// DefaultServerShutdownTimeout is the default server graceful shutdown timeout
	DefaultServerShutdownTimeout = 10 * time.Second
)

// Database Configuration
const (
	// DefaultMaxOpenConnections is kept at one because SQLite serializes writers anyway
	DefaultMaxOpenConnections = 1

	// DefaultConnectionTimeout is the default database connection lifetime
	DefaultConnectionTimeout = 5 * time.Minute

	// DefaultHistoryLimit is the number of runs listed by `stackup history`
	DefaultHistoryLimit = 20
)

// Output Limits
const (
	// MaxOutputLength is the maximum length for command output kept in error causes
	MaxOutputLength = 500
)

// Version is the release version, overridden at build time with -ldflags
var Version = "0.1.0"
