package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	ProcessAdmitted = "process.admitted"
	ProcessFinished = "process.finished"
	ProcessFailed   = "process.failed"
	StepSucceeded   = "step.succeeded"
	StepFailed      = "step.failed"
	AlertRaised     = "alert.raised"
	AlertFailed     = "alert.failed"
)

// EngineActor is the actor id recorded for engine-driven changes.
const EngineActor = "engine"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = EngineActor
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
