package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written alongside each mutation.
const (
	DecisionCreated       = "decision.created"
	DecisionUpdated       = "decision.updated"
	DecisionStatusChanged = "decision.status_changed"
	DecisionDeleted       = "decision.deleted"
	InsightCreated        = "insight.created"
	InsightUpdated        = "insight.updated"
	InsightConverted      = "insight.converted"
	InsightDeleted        = "insight.deleted"
	ProjectCreated        = "project.created"
	ProjectUpdated        = "project.updated"
	ProjectDeleted        = "project.deleted"
)

// Entity kinds.
const (
	KindDecision = "decision"
	KindInsight  = "insight"
	KindProject  = "project"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx so it commits or rolls back with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if actorID == "" {
		actorID = "system"
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
