// Package engine drives a provisioning run: it applies every service of a
// descriptor set in dependency order and verifies each one is healthy.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stackup/internal/backend"
	"stackup/internal/config"
	"stackup/internal/descriptor"
	"stackup/internal/errors"
	"stackup/internal/health"
	"stackup/internal/logger"
	"stackup/internal/probe"
	"stackup/internal/scheduler"
)

// PolicyFunc picks the health polling policy for a service
type PolicyFunc func(svc *descriptor.Service) health.Policy

// DefaultPolicy derives policies from the health section of the global
// configuration, scaled by timeoutScale
func DefaultPolicy(cfg config.HealthConfig, timeoutScale float64) PolicyFunc {
	return func(svc *descriptor.Service) health.Policy {
		return health.PolicyFor(svc.Health, cfg, timeoutScale)
	}
}

// Config holds the collaborators of an Engine
type Config struct {
	Backend  backend.Backend
	Policy   PolicyFunc
	Observer Observer
	// DryRun computes the plan and reports what would change without
	// installing anything
	DryRun bool
}

// Engine executes provisioning runs
type Engine struct {
	backend  backend.Backend
	policy   PolicyFunc
	observer Observer
	dryRun   bool
}

// New creates an engine
func New(cfg Config) *Engine {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy(config.DefaultGlobalConfig().Health, 1)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = Observers(nil)
	}
	return &Engine{
		backend:  cfg.Backend,
		policy:   policy,
		observer: observer,
		dryRun:   cfg.DryRun,
	}
}

// Run provisions set. Planning errors abort before any mutation and are
// returned with a nil run. Per-service failures are recorded in the run's
// results; the returned error is nil whenever a run was produced.
func (e *Engine) Run(ctx context.Context, set *descriptor.Set, target *probe.TargetInfo) (*Run, error) {
	plan, err := scheduler.Plan(set)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New().String(),
		SetName:   set.Name,
		Backend:   e.backend.Name(),
		DryRun:    e.dryRun,
		Target:    target,
		Plan:      plan,
		Results:   make(map[string]*ServiceResult, len(plan)),
		StartedAt: time.Now().UTC(),
	}
	for _, id := range plan {
		svc, _ := set.Get(id)
		run.Results[id] = &ServiceResult{
			ServiceID: id,
			State:     StatePending,
			Endpoint:  svc.AccessEndpoint(),
		}
	}

	ctx = logger.WithRunID(ctx, run.ID)
	log := logger.WithContext(ctx)
	log.WithFields(logger.Fields{"plan": plan, "backend": run.Backend, "dry_run": run.DryRun}).Info("Starting provisioning run")
	e.emit(Event{Type: EventRunStarted, RunID: run.ID, Plan: plan})

	r := &runner{Engine: e, run: run, set: set}
	switch {
	case e.dryRun:
		r.dryRun(ctx)
	case isConverger(e.backend):
		r.batched(ctx)
	default:
		r.sequential(ctx)
	}

	run.FinishedAt = time.Now().UTC()
	log.WithField("duration", run.FinishedAt.Sub(run.StartedAt).String()).Info("Provisioning run finished")
	e.emit(Event{Type: EventRunFinished, RunID: run.ID})
	return run, nil
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e.observer.Observe(ev)
}

func isConverger(b backend.Backend) bool {
	_, ok := b.(backend.Converger)
	return ok
}

// runner carries the state of one run through its phases
type runner struct {
	*Engine
	run *Run
	set *descriptor.Set

	// current holds services whose install was skipped as up to date
	current map[string]bool
}

// sequential applies and verifies each service before moving to the next
func (r *runner) sequential(ctx context.Context) {
	for _, id := range r.run.Plan {
		if r.stopIfCancelled(ctx) {
			return
		}
		svc, _ := r.set.Get(id)
		if r.skipIfBlocked(svc) {
			continue
		}
		if !r.apply(ctx, svc) {
			if r.stopIfCancelled(ctx) {
				return
			}
			continue
		}
		r.verify(ctx, svc)
	}
}

// batched stages every service, converges once, then verifies in plan order
func (r *runner) batched(ctx context.Context) {
	var staged []string
	for _, id := range r.run.Plan {
		if r.stopIfCancelled(ctx) {
			return
		}
		svc, _ := r.set.Get(id)
		if r.skipIfBlocked(svc) {
			continue
		}
		if !r.apply(ctx, svc) {
			if r.stopIfCancelled(ctx) {
				return
			}
			continue
		}
		if !r.current[id] {
			staged = append(staged, id)
		}
	}

	if len(staged) > 0 {
		if r.stopIfCancelled(ctx) {
			return
		}
		r.emit(Event{Type: EventConvergeStarted, RunID: r.run.ID, Plan: staged})
		err := r.backend.(backend.Converger).Converge(ctx)
		r.emit(Event{Type: EventConvergeFinished, RunID: r.run.ID, Plan: staged})
		if err != nil {
			for _, id := range staged {
				r.failInstall(ctx, id, err)
			}
			if r.stopIfCancelled(ctx) {
				return
			}
		}
	}

	for _, id := range r.run.Plan {
		res := r.run.Results[id]
		if res.State.Terminal() {
			continue
		}
		if r.stopIfCancelled(ctx) {
			return
		}
		svc, _ := r.set.Get(id)
		if r.skipIfBlocked(svc) {
			continue
		}
		r.verify(ctx, svc)
	}
}

// dryRun reports what a real run would do without mutating the target
func (r *runner) dryRun(ctx context.Context) {
	for _, id := range r.run.Plan {
		svc, _ := r.set.Get(id)
		reason := ReasonWouldRun
		if current, err := r.backend.IsCurrent(ctx, svc); err == nil && current {
			reason = ReasonWouldSkip
		}
		r.run.Results[id].Reason = ReasonDryRun + ": " + reason
	}
}

// apply brings svc to its desired installed state. It returns false when
// the service failed.
func (r *runner) apply(ctx context.Context, svc *descriptor.Service) bool {
	res := r.run.Results[svc.ID]
	res.StartedAt = now()
	log := logger.WithContext(ctx).WithField("service", svc.ID)

	current, err := r.backend.IsCurrent(ctx, svc)
	if err != nil {
		r.failInstall(ctx, svc.ID, fmt.Errorf("idempotency check: %w", err))
		return false
	}
	if current {
		log.Info("Service is up to date, skipping install")
		if r.current == nil {
			r.current = make(map[string]bool)
		}
		r.current[svc.ID] = true
		return true
	}

	r.transition(res, StateInstalling, "")
	res.Installed = true
	if err := r.backend.Apply(ctx, svc); err != nil {
		r.failInstall(ctx, svc.ID, err)
		return false
	}
	return true
}

// verify polls the service's health check and records the terminal state
func (r *runner) verify(ctx context.Context, svc *descriptor.Service) {
	res := r.run.Results[svc.ID]
	if res.StartedAt == nil {
		res.StartedAt = now()
	}
	r.transition(res, StateVerifying, "")

	check, err := health.NewProbe(svc, r.backend)
	if err != nil {
		r.finish(res, StateFailed, err.Error(), errors.GetCode(err))
		return
	}

	failures := 0
	verifier := &health.Verifier{OnAttempt: func(id string, attempt int, err error) {
		failures = attempt
		r.emit(Event{Type: EventHealthAttempt, RunID: r.run.ID, ServiceID: id, Attempt: attempt, Reason: err.Error()})
	}}

	err = verifier.Verify(ctx, svc.ID, check, r.policy(svc))
	switch {
	case err == nil:
		res.Attempts = failures + 1
		reason := ReasonApplied
		if !res.Installed {
			reason = ReasonCurrent
		}
		r.finish(res, StateHealthy, reason, "")
	case errors.HasCode(err, errors.ErrCancelled):
		res.Attempts = failures
		r.finish(res, StateFailed, ReasonCancelled, errors.ErrCancelled)
	default:
		res.Attempts = failures
		reason := fmt.Sprintf("health check failed after %d attempts", failures)
		if se, ok := errors.As(err); ok && se.Cause != nil {
			reason += ": " + se.Cause.Error()
		}
		r.finish(res, StateFailed, reason, errors.ErrHealthTimeout)
	}
}

func (r *runner) failInstall(ctx context.Context, id string, cause error) {
	res := r.run.Results[id]
	if ctx.Err() != nil {
		r.finish(res, StateFailed, ReasonCancelled, errors.ErrCancelled)
		return
	}
	installErr := errors.Install(id, cause)
	logger.WithContext(ctx).WithError(installErr).WithField("service", id).Error("Install failed")
	r.finish(res, StateFailed, "install failed: "+cause.Error(), errors.ErrInstall)
}

// skipIfBlocked marks svc skipped when a dependency did not become healthy
// or, before verification, failed
func (r *runner) skipIfBlocked(svc *descriptor.Service) bool {
	for _, dep := range svc.DependsOn {
		state := r.run.Results[dep].State
		if state == StateFailed || state == StateSkipped {
			r.finish(r.run.Results[svc.ID], StateSkipped, "upstream failed: "+dep, errors.ErrUpstream)
			return true
		}
	}
	return false
}

// stopIfCancelled marks every unfinished service skipped once ctx is done
func (r *runner) stopIfCancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	if !r.run.Cancelled {
		logger.WithContext(ctx).Warn("Provisioning run cancelled")
	}
	r.run.Cancelled = true
	for _, id := range r.run.Plan {
		res := r.run.Results[id]
		if !res.State.Terminal() {
			r.finish(res, StateSkipped, ReasonCancelled, errors.ErrCancelled)
		}
	}
	return true
}

func (r *runner) transition(res *ServiceResult, state State, reason string) {
	res.State = state
	res.Reason = reason
	r.emit(Event{Type: EventServiceState, RunID: r.run.ID, ServiceID: res.ServiceID, State: state, Reason: reason})
}

func (r *runner) finish(res *ServiceResult, state State, reason string, code errors.ErrorCode) {
	res.Code = code
	res.FinishedAt = now()
	r.transition(res, state, reason)

	fields := logger.Fields{"service": res.ServiceID, "state": state, "reason": reason}
	if state == StateHealthy {
		logger.WithFields(fields).Info("Service finished")
	} else {
		logger.WithFields(fields).Warn("Service finished")
	}
}
