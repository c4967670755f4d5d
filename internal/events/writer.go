package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Lifecycle event types.
const (
	ExecutionQueued    = "execution.queued"
	ExecutionRequeued  = "execution.requeued"
	ExecutionStarted   = "execution.started"
	ExecutionProgress  = "execution.progress"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionCancelled = "execution.cancelled"
	ArtifactLocked     = "artifact.locked"
	StageAdvanced      = "stage.advanced"
)

// Writer appends events to the durable log, always inside the caller's
// transaction so the event and the state change commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(projectID), nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
