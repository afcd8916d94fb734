package pipeline

import (
	"context"
	"database/sql"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
	"taskrelay/internal/rules"
)

// Recorder persists run rows and their events. A nil *Recorder records
// nothing.
type Recorder struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

// NewRecorder records into db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{Repo: repo.Repo{DB: db}, Events: events.Writer{DB: db}, Now: time.Now}
}

func (r *Recorder) now() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (r *Recorder) Start(ctx context.Context, run domain.Run) error {
	if r == nil {
		return nil
	}
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	run.CreatedAt = r.now()
	run.Status = domain.RunStatusRunning
	if err := r.Repo.InsertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, events.RunStarted, run.ID, events.Payload{"task": run.Task, "nonce": run.Nonce, "round": run.Round}); err != nil {
		return err
	}
	return tx.Commit()
}

// Dispatched records the selected rule and what it produced.
func (r *Recorder) Dispatched(ctx context.Context, runID string, outcome rules.Outcome) error {
	if r == nil {
		return nil
	}
	if err := r.Repo.SetRunRule(ctx, runID, outcome.Rule); err != nil {
		return err
	}
	saved := outcome.Saved
	if saved == nil {
		saved = []string{}
	}
	payload := events.Payload{"rule": outcome.Rule, "saved": saved}
	if len(outcome.Files) > 0 {
		payload["files"] = outcome.Files
	}
	if outcome.TargetURL != "" {
		payload["target_url"] = outcome.TargetURL
	}
	if outcome.Extrema != nil {
		payload["extrema"] = outcome.Extrema
	}
	return r.Events.Append(ctx, nil, events.RunDispatched, runID, payload)
}

// Finish stores the terminal status and emits the matching event.
func (r *Recorder) Finish(ctx context.Context, runID, status, commitSHA string, cause error) error {
	if r == nil {
		return nil
	}
	var msg string
	payload := events.Payload{"status": status}
	if cause != nil {
		msg = cause.Error()
		payload["error"] = msg
	}
	if commitSHA != "" {
		payload["commit_sha"] = commitSHA
	}
	evtType := events.RunPublished
	switch status {
	case domain.RunStatusFailed:
		evtType = events.RunFailed
	case domain.RunStatusPublishFailed:
		evtType = events.RunPublishFailed
	}
	// Finish runs after the request may have been abandoned.
	ctx = context.WithoutCancel(ctx)
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.FinishRun(ctx, tx, runID, status, commitSHA, msg, r.now()); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, evtType, runID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
