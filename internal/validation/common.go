// Package validation guards every value that ends up on a command line or in
// a generated file. Nothing reaches exec or a unit file without passing here.
package validation

import (
	"path/filepath"
	"regexp"
	"strings"

	"stackup/internal/errors"
)

var (
	// serviceIDRegex validates descriptor ids
	serviceIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

	// unitNameRegex validates systemd unit names (without the .service suffix)
	unitNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9:_.@-]*$`)

	// packageNameRegex validates Debian and nixpkgs attribute names
	packageNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9+._-]*$`)

	// versionRegex validates apt version constraints
	versionRegex = regexp.MustCompile(`^[a-zA-Z0-9.+~:*-]+$`)

	// envVarKeyRegex validates environment variable keys
	envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ServiceID validates a descriptor id
func ServiceID(id string) error {
	if id == "" {
		return errors.ValidationFailed("id", id, "cannot be empty")
	}
	if len(id) > 64 {
		return errors.ValidationFailed("id", id, "too long (max 64 characters)")
	}
	if !serviceIDRegex.MatchString(id) {
		return errors.ValidationFailed("id", id, "must match "+serviceIDRegex.String())
	}
	return nil
}

// UnitName validates a systemd unit name to prevent injection
func UnitName(name string) error {
	if name == "" {
		return errors.ValidationFailed("unit", name, "cannot be empty")
	}
	if len(name) > 255 {
		return errors.ValidationFailed("unit", name, "too long (max 255 characters)")
	}
	if !unitNameRegex.MatchString(name) {
		return errors.ValidationFailed("unit", name, "contains invalid characters")
	}
	return nil
}

// PackageName validates a package name and optional version constraint
func PackageName(name, version string) error {
	if !packageNameRegex.MatchString(name) {
		return errors.ValidationFailed("package", name, "contains invalid characters")
	}
	if version != "" && !versionRegex.MatchString(version) {
		return errors.ValidationFailed("version", version, "contains invalid characters")
	}
	return nil
}

// EnvironmentKey validates an environment variable key
func EnvironmentKey(key string) error {
	if !envVarKeyRegex.MatchString(key) {
		return errors.ValidationFailed("config", key, "must contain only letters, numbers, and underscores")
	}
	return nil
}

// EnvironmentValue rejects values that would break an EnvironmentFile line
func EnvironmentValue(key, value string) error {
	if strings.ContainsAny(value, "\n\r\x00") {
		return errors.ValidationFailed("config."+key, value, "must be a single line")
	}
	return nil
}

// AbsolutePath validates and cleans a destination path
func AbsolutePath(path string) (string, error) {
	if path == "" {
		return "", errors.InvalidPath(path, "cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return "", errors.InvalidPath(path, "must be absolute")
	}
	if strings.Contains(path, "/../") || strings.HasSuffix(path, "/..") {
		return "", errors.InvalidPath(path, "path traversal detected")
	}
	return filepath.Clean(path), nil
}
