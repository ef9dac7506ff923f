// Package operations holds the provisioning workflows shared by the CLI and
// the status API: probing, locking, running the engine and persisting the
// outcome.
package operations

import (
	"context"
	"net"
	"strconv"

	"stackup/internal/backend"
	"stackup/internal/config"
	"stackup/internal/db"
	"stackup/internal/descriptor"
	"stackup/internal/engine"
	"stackup/internal/errors"
	"stackup/internal/lock"
	"stackup/internal/logger"
	"stackup/internal/metrics"
	"stackup/internal/probe"
	"stackup/internal/report"
	"stackup/internal/scheduler"
	"stackup/internal/server"
)

// ProvisionRequest describes one provision invocation
type ProvisionRequest struct {
	DescriptorPath string
	DryRun         bool
	TimeoutScale   float64
	// Backend overrides the configured backend when set
	Backend   string
	Only      []string
	SkipProbe bool
	// ReportPath overrides the configured report location when set
	ReportPath string
	// Listen serves the status API on this address while the run is active
	Listen   string
	Observer engine.Observer
}

// Dependencies are the collaborators of ProvisionOperations. Zero values
// select the real implementations.
type Dependencies struct {
	Prober     Prober
	NewBackend BackendFactory
	Executor   backend.CommandExecutor
}

// ProvisionOperations runs provisioning against the local host
type ProvisionOperations struct {
	cfg  *config.GlobalConfig
	deps Dependencies
}

// NewProvisionOperations creates a new ProvisionOperations instance
func NewProvisionOperations(cfg *config.GlobalConfig, deps Dependencies) *ProvisionOperations {
	if deps.Prober == nil {
		deps.Prober = probe.New(cfg.Probe)
	}
	if deps.NewBackend == nil {
		deps.NewBackend = backend.New
	}
	return &ProvisionOperations{cfg: cfg, deps: deps}
}

// Provision loads the descriptor set, gates on the target probe and runs the
// engine. A report is returned for every run that started; errors returned
// alongside a nil report aborted the run before any mutation.
func (p *ProvisionOperations) Provision(ctx context.Context, req ProvisionRequest) (*report.Report, error) {
	set, err := descriptor.Load(req.DescriptorPath)
	if err != nil {
		return nil, err
	}
	if len(req.Only) > 0 {
		if set, err = scheduler.Subset(set, req.Only); err != nil {
			return nil, err
		}
	}

	target, warnings, err := p.probe(ctx, req)
	if err != nil {
		return nil, err
	}

	if !req.DryRun {
		held, err := lock.Acquire(p.cfg.State.LockPath)
		if err != nil {
			return nil, err
		}
		defer held.Release()
	}

	database, err := p.openDatabase(req.DryRun)
	if err != nil {
		return nil, err
	}
	if database != nil {
		defer database.Close()
	}

	kind := req.Backend
	if kind == "" {
		kind = p.cfg.Backend.Type
	}
	kind = target.SelectBackend(kind)
	opts := backend.Options{
		Config:   p.cfg.Backend,
		Executor: p.deps.Executor,
	}
	if database != nil {
		opts.Store = db.NewAppliedRepository(database)
	}
	b, err := p.deps.NewBackend(kind, opts)
	if err != nil {
		return nil, errors.ConfigValidationError("backend", err.Error())
	}

	collector := metrics.NewCollector()
	observers := engine.Observers{collector, req.Observer}

	if req.Listen != "" {
		hub := server.NewHub()
		observers = append(observers, hub)
		deps := server.Dependencies{
			ReportPath: p.reportPath(req),
			Hub:        hub,
			Gatherer:   collector.Registry(),
		}
		if database != nil {
			deps.History = db.NewRunRepository(database)
			deps.Database = database
		}
		stop, err := p.serve(ctx, req.Listen, deps)
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	scale := req.TimeoutScale
	if scale <= 0 {
		scale = 1
	}
	eng := engine.New(engine.Config{
		Backend:  b,
		Policy:   engine.DefaultPolicy(p.cfg.Health, scale),
		Observer: observers,
		DryRun:   req.DryRun,
	})

	run, err := eng.Run(ctx, set, target)
	if err != nil {
		return nil, err
	}

	rep := report.Summarize(run)
	rep.Warnings = append(rep.Warnings, warnings...)
	collector.RecordOutcome(string(rep.Outcome))

	if req.DryRun {
		return rep, nil
	}

	// Persistence failures do not change the outcome of the run
	log := logger.WithField("run_id", rep.RunID)
	if err := report.WriteFile(p.reportPath(req), rep); err != nil {
		log.WithError(err).Error("Failed to write report")
	}
	if err := p.record(context.WithoutCancel(ctx), database, rep); err != nil {
		log.WithError(err).Error("Failed to record run history")
	}
	if err := collector.Push(context.WithoutCancel(ctx), p.cfg.Metrics.PushGateway, p.cfg.Metrics.Job); err != nil {
		log.WithError(err).Warn("Failed to push metrics")
	}
	return rep, nil
}

// openDatabase opens the history store. Dry runs only read an existing
// store and run without one when none exists.
func (p *ProvisionOperations) openDatabase(dryRun bool) (*db.DB, error) {
	if !dryRun {
		return db.Open(p.cfg.State.DatabasePath)
	}
	database, err := db.OpenReadOnly(p.cfg.State.DatabasePath)
	if errors.HasCode(err, errors.ErrNotFound) {
		return nil, nil
	}
	return database, err
}

// probe gates the run on the target probe. In dry-run mode failed hard
// checks are downgraded to warnings so the plan can still be shown.
func (p *ProvisionOperations) probe(ctx context.Context, req ProvisionRequest) (*probe.TargetInfo, []string, error) {
	if req.SkipProbe {
		logger.Warn("Skipping target probe")
		return nil, []string{"target probe skipped"}, nil
	}

	target, err := p.deps.Prober.Probe(ctx)
	if err == nil {
		return target, nil, nil
	}
	if req.DryRun && target != nil {
		return target, []string{"pre-flight check failed: " + err.Error()}, nil
	}
	return nil, nil, err
}

func (p *ProvisionOperations) reportPath(req ProvisionRequest) string {
	if req.ReportPath != "" {
		return req.ReportPath
	}
	return p.cfg.State.ReportPath
}

func (p *ProvisionOperations) record(ctx context.Context, database *db.DB, rep *report.Report) error {
	run, err := RunRecord(rep)
	if err != nil {
		return err
	}
	return db.NewRunRepository(database).Create(ctx, run)
}

// serve starts the status API in the background and returns its stop function
func (p *ProvisionOperations) serve(ctx context.Context, addr string, deps server.Dependencies) (func(), error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.ConfigValidationError("listen", err.Error())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, errors.ConfigValidationError("listen", "invalid port "+portStr)
	}

	cfg := server.DefaultConfig()
	cfg.Host = host
	cfg.Port = port

	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.New(cfg, deps).Start(srvCtx); err != nil {
			logger.WithError(err).Error("Status API failed")
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
