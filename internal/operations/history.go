package operations

import (
	"context"
	"encoding/json"

	"stackup/internal/config"
	"stackup/internal/db"
	"stackup/internal/errors"
	"stackup/internal/report"
)

// RunRecord converts a report into its history row
func RunRecord(rep *report.Report) (*db.Run, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, errors.InternalError("failed to encode report", err)
	}

	var target db.JSONB
	if rep.Target != nil {
		if target, err = db.ToJSONB(rep.Target); err != nil {
			return nil, errors.InternalError("failed to encode target", err)
		}
	}

	run := &db.Run{
		ID:         rep.RunID,
		SetName:    rep.SetName,
		Backend:    rep.Backend,
		Outcome:    string(rep.Outcome),
		ExitCode:   rep.ExitCode,
		Target:     target,
		Report:     string(data),
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	}
	for i, svc := range rep.Services {
		run.Results = append(run.Results, db.ServiceResult{
			Position:   i,
			ServiceID:  svc.ServiceID,
			State:      string(svc.State),
			Reason:     svc.Reason,
			Code:       string(svc.Code),
			Installed:  svc.Installed,
			StartedAt:  svc.StartedAt,
			FinishedAt: svc.FinishedAt,
		})
	}
	return run, nil
}

// HistoryOperations reads persisted run state
type HistoryOperations struct {
	cfg *config.GlobalConfig
}

// NewHistoryOperations creates a new HistoryOperations instance
func NewHistoryOperations(cfg *config.GlobalConfig) *HistoryOperations {
	return &HistoryOperations{cfg: cfg}
}

// LastReport returns the report of the most recent run
func (h *HistoryOperations) LastReport() (*report.Report, error) {
	return report.ReadFile(h.cfg.State.ReportPath)
}

// ListRuns returns the newest runs, at most limit of them
func (h *HistoryOperations) ListRuns(ctx context.Context, limit int) ([]db.Run, error) {
	database, err := db.Open(h.cfg.State.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	opts := db.DefaultPaginationOptions()
	if limit > 0 {
		opts.PageSize = limit
	}
	page, err := db.NewRunRepository(database).List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}

// GetRun returns one run with its per-service results
func (h *HistoryOperations) GetRun(ctx context.Context, id string) (*db.Run, error) {
	database, err := db.Open(h.cfg.State.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer database.Close()
	return db.NewRunRepository(database).Get(ctx, id)
}
