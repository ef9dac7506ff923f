// Package report turns a finished run into the operator-facing summary,
// the process exit code and the persisted report file.
package report

import (
	"time"

	"stackup/internal/engine"
	"stackup/internal/errors"
	"stackup/internal/probe"
)

// Outcome is the overall convergence of a run
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeFailure        Outcome = "failure"
)

// ExitCode maps an outcome to the process exit status
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess:
		return errors.ExitSuccess
	case OutcomePartialSuccess:
		return errors.ExitPartialSuccess
	default:
		return errors.ExitFailure
	}
}

// Endpoint is an address an operator can open once the service is up
type Endpoint struct {
	ServiceID string `json:"service_id"`
	URL       string `json:"url"`
	Healthy   bool   `json:"healthy"`
}

// Report is the summary of one run
type Report struct {
	RunID      string                 `json:"run_id"`
	SetName    string                 `json:"set_name"`
	Backend    string                 `json:"backend"`
	DryRun     bool                   `json:"dry_run"`
	Cancelled  bool                   `json:"cancelled"`
	Outcome    Outcome                `json:"outcome"`
	ExitCode   int                    `json:"exit_code"`
	Healthy    []string               `json:"healthy"`
	Failed     []string               `json:"failed"`
	Skipped    []string               `json:"skipped"`
	Services   []engine.ServiceResult `json:"services"`
	Endpoints  []Endpoint             `json:"endpoints,omitempty"`
	Warnings   []string               `json:"warnings,omitempty"`
	Target     *probe.TargetInfo      `json:"target,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Summarize categorizes every result of run. It has no side effects.
func Summarize(run *engine.Run) *Report {
	r := &Report{
		RunID:      run.ID,
		SetName:    run.SetName,
		Backend:    run.Backend,
		DryRun:     run.DryRun,
		Cancelled:  run.Cancelled,
		Healthy:    []string{},
		Failed:     []string{},
		Skipped:    []string{},
		Target:     run.Target,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.Target != nil {
		r.Warnings = append(r.Warnings, run.Target.Warnings...)
	}

	for _, res := range run.Ordered() {
		r.Services = append(r.Services, *res)
		switch res.State {
		case engine.StateHealthy:
			r.Healthy = append(r.Healthy, res.ServiceID)
		case engine.StateFailed:
			r.Failed = append(r.Failed, res.ServiceID)
		case engine.StateSkipped:
			r.Skipped = append(r.Skipped, res.ServiceID)
		}
		if res.Endpoint != "" {
			r.Endpoints = append(r.Endpoints, Endpoint{
				ServiceID: res.ServiceID,
				URL:       res.Endpoint,
				Healthy:   res.State == engine.StateHealthy,
			})
		}
	}

	r.Outcome = outcome(run, len(r.Healthy), len(r.Failed))
	r.ExitCode = r.Outcome.ExitCode()
	return r
}

func outcome(run *engine.Run, healthy, failed int) Outcome {
	switch {
	case run.DryRun:
		return OutcomeSuccess
	case healthy == len(run.Plan):
		return OutcomeSuccess
	case healthy > 0 && failed == 0:
		return OutcomePartialSuccess
	default:
		return OutcomeFailure
	}
}
