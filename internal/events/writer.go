package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RunStarted       = "run.started"
	RunDispatched    = "run.dispatched"
	RunPublished     = "run.published"
	RunFailed        = "run.failed"
	RunPublishFailed = "run.publish_failed"
)

// Writer appends run events to the event log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append inserts one event. tx may be nil to write outside a transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,run_id,payload_json) VALUES (?,?,?,?)`
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, ts, evtType, runID, string(data))
	} else {
		_, err = w.DB.ExecContext(ctx, q, ts, evtType, runID, string(data))
	}
	return err
}
