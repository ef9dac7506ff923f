package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"stackup/internal/constants"
	"stackup/internal/descriptor"
	"stackup/internal/errors"
)

const maxBodyBytes = 1 << 20

// Probe performs a single liveness check. A nil error means healthy.
type Probe interface {
	Check(ctx context.Context) error
	String() string
}

// UnitStatus reports whether a managed unit is running. Installer backends
// implement it.
type UnitStatus interface {
	IsActive(ctx context.Context, unit string) (bool, error)
}

// NewProbe builds the probe declared by svc.Health
func NewProbe(svc *descriptor.Service, units UnitStatus) (Probe, error) {
	check := svc.Health
	switch check.ProbeKind() {
	case descriptor.ProbeHTTP:
		return NewHTTPProbe(check.HTTP)
	case descriptor.ProbeTCP:
		timeout := check.TCP.Timeout.Duration
		if timeout == 0 {
			timeout = constants.DefaultProbeRequestTimeout
		}
		return &TCPProbe{Address: check.TCP.Address, Timeout: timeout}, nil
	default:
		unit := svc.UnitName()
		if check.Process != nil && check.Process.Unit != "" {
			unit = check.Process.Unit
		}
		if units == nil {
			return nil, errors.New(errors.ErrInternal, "process probe requires a unit status source")
		}
		return &ProcessProbe{Unit: unit, Units: units}, nil
	}
}

// HTTPProbe issues a GET and evaluates the status and body predicates
type HTTPProbe struct {
	URL          string
	Status       int
	BodyContains string
	BodyMatches  *regexp.Regexp
	Client       *http.Client
}

// NewHTTPProbe compiles an HTTP check
func NewHTTPProbe(check *descriptor.HTTPCheck) (*HTTPProbe, error) {
	p := &HTTPProbe{
		URL:          check.URL,
		Status:       check.Status,
		BodyContains: check.BodyContains,
	}
	if p.Status == 0 {
		p.Status = http.StatusOK
	}
	if check.BodyMatches != "" {
		re, err := regexp.Compile(check.BodyMatches)
		if err != nil {
			return nil, errors.ConfigValidationError("health.http.body_matches", err.Error())
		}
		p.BodyMatches = re
	}
	timeout := check.Timeout.Duration
	if timeout == 0 {
		timeout = constants.DefaultProbeRequestTimeout
	}
	p.Client = &http.Client{Timeout: timeout}
	return p, nil
}

// Check implements Probe
func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != p.Status {
		return fmt.Errorf("status %d, want %d", resp.StatusCode, p.Status)
	}
	if p.BodyContains == "" && p.BodyMatches == nil {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if p.BodyContains != "" && !strings.Contains(string(body), p.BodyContains) {
		return fmt.Errorf("body does not contain %q", p.BodyContains)
	}
	if p.BodyMatches != nil && !p.BodyMatches.Match(body) {
		return fmt.Errorf("body does not match %q", p.BodyMatches.String())
	}
	return nil
}

func (p *HTTPProbe) String() string { return "http " + p.URL }

// TCPProbe succeeds when the address accepts a connection
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

// Check implements Probe
func (p *TCPProbe) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *TCPProbe) String() string { return "tcp " + p.Address }

// ProcessProbe succeeds when the managed unit is active
type ProcessProbe struct {
	Unit  string
	Units UnitStatus
}

// Check implements Probe
func (p *ProcessProbe) Check(ctx context.Context) error {
	active, err := p.Units.IsActive(ctx, p.Unit)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("unit %s is not active", p.Unit)
	}
	return nil
}

func (p *ProcessProbe) String() string { return "process " + p.Unit }
