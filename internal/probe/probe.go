// Package probe inspects the host before anything is installed and decides
// whether a provisioning run may start.
package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"stackup/internal/config"
	"stackup/internal/errors"
	"stackup/internal/logger"
)

// Check names, also used as the "check" context key on ENVIRONMENT errors
const (
	CheckOS      = "os"
	CheckMemory  = "memory"
	CheckDisk    = "disk"
	CheckCPU     = "cpu"
	CheckNetwork = "network"
)

// CheckResult is the outcome of one pre-flight check
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Hard     bool   `json:"hard"`
	Observed string `json:"observed"`
	Required string `json:"required"`
}

// TargetInfo is an immutable snapshot of the host taken before a run
type TargetInfo struct {
	OSID             string        `json:"os_id"`
	OSVersion        string        `json:"os_version"`
	OSPrettyName     string        `json:"os_pretty_name,omitempty"`
	MemoryMB         uint64        `json:"memory_mb"`
	DiskFreeGB       uint64        `json:"disk_free_gb"`
	DiskPath         string        `json:"disk_path"`
	CPUs             int           `json:"cpus"`
	NetworkReachable bool          `json:"network_reachable"`
	Checks           []CheckResult `json:"checks"`
	Warnings         []string      `json:"warnings,omitempty"`
	ProbedAt         time.Time     `json:"probed_at"`
}

// Sources supplies raw host facts. Tests replace them wholesale.
type Sources struct {
	OSRelease  func() (map[string]string, error)
	MemoryMB   func() (uint64, error)
	DiskFreeGB func(path string) (uint64, error)
	CPUs       func() int
	Dial       func(ctx context.Context, network, address string) (net.Conn, error)
}

// SystemSources returns sources backed by the running host
func SystemSources() Sources {
	var d net.Dialer
	return Sources{
		OSRelease:  readOSRelease,
		MemoryMB:   systemMemoryMB,
		DiskFreeGB: systemDiskFreeGB,
		CPUs:       runtime.NumCPU,
		Dial:       d.DialContext,
	}
}

// Prober runs the pre-flight checks
type Prober struct {
	cfg config.ProbeConfig
	src Sources
}

// New creates a prober that inspects the running host
func New(cfg config.ProbeConfig) *Prober {
	return NewWithSources(cfg, SystemSources())
}

// NewWithSources creates a prober over custom sources
func NewWithSources(cfg config.ProbeConfig, src Sources) *Prober {
	return &Prober{cfg: cfg, src: src}
}

// Probe evaluates every check and returns the snapshot. When a hard check
// fails the snapshot is still returned, together with an ENVIRONMENT error
// naming every failed hard check.
func (p *Prober) Probe(ctx context.Context) (*TargetInfo, error) {
	info := &TargetInfo{
		DiskPath: p.cfg.DiskPath,
		ProbedAt: time.Now().UTC(),
	}

	info.Checks = append(info.Checks,
		p.checkOS(info),
		p.checkMemory(info),
		p.checkDisk(info),
		p.checkCPU(info),
		p.checkNetwork(ctx, info),
	)

	for _, c := range info.Checks {
		fields := logger.Fields{"check": c.Name, "observed": c.Observed, "required": c.Required}
		switch {
		case c.Passed:
			logger.WithFields(fields).Debug("Pre-flight check passed")
		case c.Hard:
			logger.WithFields(fields).Error("Pre-flight check failed")
		default:
			info.Warnings = append(info.Warnings, fmt.Sprintf("%s: observed %s, recommended %s", c.Name, c.Observed, c.Required))
			logger.WithFields(fields).Warn("Pre-flight check below recommendation")
		}
	}

	var failed []CheckResult
	for _, c := range info.Checks {
		if c.Hard && !c.Passed {
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return info, nil
	}
	return info, environmentError(failed)
}

// environmentError keeps the single-check form when only one check failed
func environmentError(failed []CheckResult) *errors.StackupError {
	names := make([]string, len(failed))
	details := make([]string, len(failed))
	for i, c := range failed {
		names[i] = c.Name
		details[i] = fmt.Sprintf("Check: %s, Observed: %s, Required: %s", c.Name, c.Observed, c.Required)
	}
	if len(failed) == 1 {
		return errors.Environment(failed[0].Name, failed[0].Observed, failed[0].Required).WithContext("checks", names)
	}
	return errors.NewWithDetails(errors.ErrEnvironment, "Pre-flight checks failed", strings.Join(details, "; ")).
		WithContext("check", names[0]).
		WithContext("checks", names)
}

func (p *Prober) checkOS(info *TargetInfo) CheckResult {
	result := CheckResult{Name: CheckOS, Hard: true, Required: strings.Join(p.cfg.AllowedOS, ", ")}

	fields, err := p.src.OSRelease()
	if err != nil {
		result.Observed = "unreadable: " + err.Error()
		return result
	}
	info.OSID = fields["ID"]
	info.OSVersion = fields["VERSION_ID"]
	info.OSPrettyName = fields["PRETTY_NAME"]
	result.Observed = info.OSID + ":" + info.OSVersion
	result.Passed = MatchOS(p.cfg.AllowedOS, info.OSID, info.OSVersion)
	return result
}

func (p *Prober) checkMemory(info *TargetInfo) CheckResult {
	result := CheckResult{Name: CheckMemory, Hard: true, Required: fmt.Sprintf(">= %d MB", p.cfg.MinMemoryMB)}

	mb, err := p.src.MemoryMB()
	if err != nil {
		result.Observed = "unreadable: " + err.Error()
		return result
	}
	info.MemoryMB = mb
	result.Observed = fmt.Sprintf("%d MB", mb)
	result.Passed = mb >= p.cfg.MinMemoryMB
	return result
}

func (p *Prober) checkDisk(info *TargetInfo) CheckResult {
	result := CheckResult{Name: CheckDisk, Hard: true, Required: fmt.Sprintf(">= %d GB free on %s", p.cfg.MinDiskGB, p.cfg.DiskPath)}

	gb, err := p.src.DiskFreeGB(p.cfg.DiskPath)
	if err != nil {
		result.Observed = "unreadable: " + err.Error()
		return result
	}
	info.DiskFreeGB = gb
	result.Observed = fmt.Sprintf("%d GB", gb)
	result.Passed = gb >= p.cfg.MinDiskGB
	return result
}

func (p *Prober) checkCPU(info *TargetInfo) CheckResult {
	info.CPUs = p.src.CPUs()
	return CheckResult{
		Name:     CheckCPU,
		Hard:     false,
		Observed: fmt.Sprintf("%d cores", info.CPUs),
		Required: fmt.Sprintf(">= %d cores", p.cfg.SoftMinCPUs),
		Passed:   info.CPUs >= p.cfg.SoftMinCPUs,
	}
}

func (p *Prober) checkNetwork(ctx context.Context, info *TargetInfo) CheckResult {
	result := CheckResult{Name: CheckNetwork, Hard: true, Required: "reachable " + p.cfg.ReachabilityAddress}

	timeout := p.cfg.ReachabilityTimeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.src.Dial(dialCtx, "tcp", p.cfg.ReachabilityAddress)
	if err != nil {
		result.Observed = "unreachable: " + err.Error()
		return result
	}
	conn.Close()

	info.NetworkReachable = true
	result.Observed = "reachable"
	result.Passed = true
	return result
}

// MatchOS reports whether id:version is in the allowed list. A "*" version
// matches any release; otherwise "12" matches "12" and "12.5".
func MatchOS(allowed []string, id, version string) bool {
	for _, entry := range allowed {
		wantID, wantVersion, err := config.SplitOS(entry)
		if err != nil || wantID != id {
			continue
		}
		if wantVersion == "*" || wantVersion == version || strings.HasPrefix(version, wantVersion+".") {
			return true
		}
	}
	return false
}

// SelectBackend picks the installer backend for the probed OS when the
// configuration asks for automatic selection
func (t *TargetInfo) SelectBackend(configured string) string {
	if configured != config.BackendAuto && configured != "" {
		return configured
	}
	if t != nil && t.OSID == "nixos" {
		return config.BackendNixDeclarative
	}
	return config.BackendAptSystemd
}

// ParseOSRelease parses the KEY=value format of /etc/os-release
func ParseOSRelease(r io.Reader) (map[string]string, error) {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"'`)
	}
	return fields, scanner.Err()
}

func readOSRelease() (map[string]string, error) {
	for _, path := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		return ParseOSRelease(f)
	}
	return nil, fmt.Errorf("os-release not found")
}
