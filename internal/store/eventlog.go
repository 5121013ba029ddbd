package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// EventLog provides append-only event operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. Uses an immediate write lock to keep sequence reads and writes
// from interleaving under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	// We use an immediate-mode write to force lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_revisions (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_revisions WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, instance_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.InstanceID), nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StepEventPayload is the payload attached to step lifecycle events.
type StepEventPayload struct {
	StepIndex int               `json:"step_index"`
	Name      string            `json:"name,omitempty"`
	ExitCode  *int              `json:"exit_code,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Error     json.RawMessage   `json:"error,omitempty"`
}

// ReplayEvents replays all events for a run and returns the reconstructed
// step results, keyed "instanceID/stepKey" where stepKey is the step ID or
// the step index for anonymous steps. Returns an error when sequence gaps
// are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepResult, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepResult), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	results := make(map[string]*StepResult)

	for _, e := range events {
		if e.InstanceID == "" || !strings.HasPrefix(e.Type, "step_") {
			continue // run and instance lifecycle events
		}

		var payload StepEventPayload
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"malformed payload at sequence %d in run %s: %s", e.Sequence, runID, err.Error())
			}
		}

		stepKey := e.StepID
		if stepKey == "" {
			stepKey = fmt.Sprintf("#%d", payload.StepIndex)
		}
		key := e.InstanceID + "/" + stepKey

		sr, ok := results[key]
		if !ok {
			sr = &StepResult{
				InstanceID: e.InstanceID,
				StepID:     e.StepID,
				StepIndex:  payload.StepIndex,
				Name:       payload.Name,
				Status:     schema.StepStatusPending,
			}
			results[key] = sr
		}

		switch e.Type {
		case schema.EventStepStarted:
			sr.Status = schema.StepStatusRunning
			ts := e.Timestamp
			sr.StartedAt = &ts

		case schema.EventStepSucceeded:
			sr.Status = schema.StepStatusSucceeded
			ts := e.Timestamp
			sr.CompletedAt = &ts
			sr.ExitCode = payload.ExitCode
			sr.Outputs = payload.Outputs
			if sr.StartedAt != nil {
				sr.DurationMs = ts.Sub(*sr.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed, schema.EventStepTimedOut:
			sr.Status = schema.StepStatusFailed
			ts := e.Timestamp
			sr.CompletedAt = &ts
			sr.ExitCode = payload.ExitCode
			sr.Error = payload.Error

		case schema.EventStepSkipped:
			sr.Status = schema.StepStatusSkipped

		case schema.EventStepCancelled:
			sr.Status = schema.StepStatusCancelled

		case schema.EventStepOutput:
			// Output chunks feed the stream, not the materialized view.
		}
	}

	return results, nil
}
