package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackup/internal/config"
	"stackup/internal/descriptor"
	"stackup/internal/errors"
)

// scriptedProbe fails until the given attempt, then succeeds
type scriptedProbe struct {
	passOn int
	calls  int
}

func (p *scriptedProbe) Check(ctx context.Context) error {
	p.calls++
	if p.passOn > 0 && p.calls >= p.passOn {
		return nil
	}
	return fmt.Errorf("not ready (call %d)", p.calls)
}

func (p *scriptedProbe) String() string { return "scripted" }

type fakeUnits map[string]bool

func (f fakeUnits) IsActive(ctx context.Context, unit string) (bool, error) {
	return f[unit], nil
}

var zeroWait = Policy{MaxAttempts: 5}

func TestVerifyFirstSuccessShortCircuits(t *testing.T) {
	probe := &scriptedProbe{passOn: 3}
	var seen []int
	v := &Verifier{OnAttempt: func(id string, attempt int, err error) { seen = append(seen, attempt) }}

	err := v.Verify(context.Background(), "svc", probe, zeroWait)
	require.NoError(t, err)
	assert.Equal(t, 3, probe.calls)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestVerifyBudgetExhausted(t *testing.T) {
	probe := &scriptedProbe{}

	err := (&Verifier{}).Verify(context.Background(), "svc", probe, zeroWait)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrHealthTimeout))
	assert.Equal(t, 5, probe.calls)

	se, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "svc", se.ServiceID())
	assert.Contains(t, err.Error(), "not ready (call 5)")
}

func TestVerifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probe := &scriptedProbe{}
	v := &Verifier{OnAttempt: func(string, int, error) { cancel() }}

	err := v.Verify(ctx, "svc", probe, Policy{MaxAttempts: 100, Interval: time.Hour})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCancelled))
	assert.Equal(t, 1, probe.calls)
}

func TestVerifyAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	probe := &scriptedProbe{passOn: 1}

	err := (&Verifier{}).Verify(ctx, "svc", probe, zeroWait)
	assert.True(t, errors.HasCode(err, errors.ErrCancelled))
	assert.Zero(t, probe.calls)
}

func TestPolicyFor(t *testing.T) {
	cfg := config.DefaultGlobalConfig().Health

	tests := []struct {
		name         string
		check        descriptor.HealthCheck
		scale        float64
		wantAttempts int
		wantInterval time.Duration
	}{
		{"light default", descriptor.HealthCheck{}, 1, 30, time.Second},
		{"heavy default", descriptor.HealthCheck{ColdStart: descriptor.ColdStartHeavy}, 1, 900, time.Second},
		{"explicit attempts", descriptor.HealthCheck{MaxAttempts: 7}, 1, 7, time.Second},
		{"scaled", descriptor.HealthCheck{}, 2.5, 75, time.Second},
		{"scaled down never below one", descriptor.HealthCheck{MaxAttempts: 1}, 0.1, 1, time.Second},
		{"explicit interval", descriptor.HealthCheck{Interval: descriptor.Duration{Duration: 3 * time.Second}}, 1, 30, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PolicyFor(tt.check, cfg, tt.scale)
			assert.Equal(t, tt.wantAttempts, p.MaxAttempts)
			assert.Equal(t, tt.wantInterval, p.Interval)
		})
	}
}

func TestPolicyBudget(t *testing.T) {
	assert.Equal(t, 29*time.Second, Policy{MaxAttempts: 30, Interval: time.Second}.Budget())
	assert.Zero(t, Policy{MaxAttempts: 1, Interval: time.Second}.Budget())
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, `{"status":"ok","version":"0.3.1"}`)
		case "/starting":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		check   descriptor.HTTPCheck
		wantErr bool
	}{
		{"status ok", descriptor.HTTPCheck{URL: srv.URL + "/ok"}, false},
		{"status mismatch", descriptor.HTTPCheck{URL: srv.URL + "/starting"}, true},
		{"expected non-200", descriptor.HTTPCheck{URL: srv.URL + "/missing", Status: 404}, false},
		{"body contains", descriptor.HTTPCheck{URL: srv.URL + "/ok", BodyContains: `"ok"`}, false},
		{"body missing substring", descriptor.HTTPCheck{URL: srv.URL + "/ok", BodyContains: "healthy"}, true},
		{"body regexp", descriptor.HTTPCheck{URL: srv.URL + "/ok", BodyMatches: `version":"0\.\d+`}, false},
		{"body regexp mismatch", descriptor.HTTPCheck{URL: srv.URL + "/ok", BodyMatches: `^\[`}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := tt.check
			p, err := NewHTTPProbe(&check)
			require.NoError(t, err)

			err = p.Check(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPProbeBadRegexp(t *testing.T) {
	_, err := NewHTTPProbe(&descriptor.HTTPCheck{URL: "http://localhost", BodyMatches: "("})
	assert.True(t, errors.HasCode(err, errors.ErrConfigValidation))
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	p := &TCPProbe{Address: addr, Timeout: time.Second}
	assert.NoError(t, p.Check(context.Background()))

	ln.Close()
	assert.Error(t, p.Check(context.Background()))
}

func TestNewProbeProcess(t *testing.T) {
	units := fakeUnits{"ollama": true}

	svc := &descriptor.Service{ID: "ollama"}
	p, err := NewProbe(svc, units)
	require.NoError(t, err)
	assert.Equal(t, "process ollama", p.String())
	assert.NoError(t, p.Check(context.Background()))

	svc = &descriptor.Service{ID: "jupyter", Health: descriptor.HealthCheck{Process: &descriptor.ProcessCheck{Unit: "jupyter-lab"}}}
	p, err = NewProbe(svc, units)
	require.NoError(t, err)
	assert.Error(t, p.Check(context.Background()))

	_, err = NewProbe(svc, nil)
	assert.Error(t, err)
}
