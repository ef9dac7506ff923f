package engine

import (
	"time"

	"stackup/internal/errors"
	"stackup/internal/probe"
)

// State is the lifecycle state of one service within a run
type State string

const (
	StatePending    State = "pending"
	StateInstalling State = "installing"
	StateVerifying  State = "verifying"
	StateHealthy    State = "healthy"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateHealthy || s == StateFailed || s == StateSkipped
}

// Reasons attached to terminal states
const (
	ReasonCancelled = "cancelled"
	ReasonDryRun    = "dry run"
	ReasonCurrent   = "already up to date"
	ReasonApplied   = "installed and healthy"
	ReasonWouldSkip = "up to date, would verify only"
	ReasonWouldRun  = "would apply"
)

// ServiceResult is the outcome of one service
type ServiceResult struct {
	ServiceID  string           `json:"service_id"`
	State      State            `json:"state"`
	Reason     string           `json:"reason,omitempty"`
	Code       errors.ErrorCode `json:"code,omitempty"`
	Installed  bool             `json:"installed"`
	Attempts   int              `json:"attempts,omitempty"`
	Endpoint   string           `json:"endpoint,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Run is one provisioning run. The engine is the only writer of Results.
type Run struct {
	ID         string                    `json:"id"`
	SetName    string                    `json:"set_name"`
	Backend    string                    `json:"backend"`
	DryRun     bool                      `json:"dry_run"`
	Cancelled  bool                      `json:"cancelled"`
	Target     *probe.TargetInfo         `json:"target,omitempty"`
	Plan       []string                  `json:"plan"`
	Results    map[string]*ServiceResult `json:"results"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
}

// Ordered returns results in plan order
func (r *Run) Ordered() []*ServiceResult {
	out := make([]*ServiceResult, 0, len(r.Plan))
	for _, id := range r.Plan {
		if res, ok := r.Results[id]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Result returns the result for id, or nil
func (r *Run) Result(id string) *ServiceResult {
	return r.Results[id]
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}
