package engine

import (
	"context"

	"github.com/conveyorci/conveyor/internal/store"
)

// Recorder persists run history as execution progresses. A nil Recorder in
// the engine config disables persistence; events still flow to the hub.
type Recorder interface {
	EventAppender

	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error

	CreateJobInstance(ctx context.Context, inst *store.JobInstance) error
	UpdateJobInstance(ctx context.Context, id string, update store.InstanceUpdate) error

	UpsertStepResult(ctx context.Context, result *store.StepResult) error
}

// StoreRecorder implements Recorder on top of a LibSQLStore, routing event
// appends through the EventLog for per-run sequencing.
type StoreRecorder struct {
	store *store.LibSQLStore
	log   *store.EventLog
}

// NewStoreRecorder creates a Recorder backed by the given store.
func NewStoreRecorder(s *store.LibSQLStore) *StoreRecorder {
	return &StoreRecorder{store: s, log: store.NewEventLog(s)}
}

func (r *StoreRecorder) AppendEvent(ctx context.Context, event *store.Event) error {
	return r.log.AppendEvent(ctx, event)
}

func (r *StoreRecorder) CreateRun(ctx context.Context, run *store.Run) error {
	return r.store.CreateRun(ctx, run)
}

func (r *StoreRecorder) UpdateRun(ctx context.Context, id string, update store.RunUpdate) error {
	return r.store.UpdateRun(ctx, id, update)
}

func (r *StoreRecorder) CreateJobInstance(ctx context.Context, inst *store.JobInstance) error {
	return r.store.CreateJobInstance(ctx, inst)
}

func (r *StoreRecorder) UpdateJobInstance(ctx context.Context, id string, update store.InstanceUpdate) error {
	return r.store.UpdateJobInstance(ctx, id, update)
}

func (r *StoreRecorder) UpsertStepResult(ctx context.Context, result *store.StepResult) error {
	return r.store.UpsertStepResult(ctx, result)
}

// NopRecorder returns a Recorder that discards everything. Used when no
// store is configured.
func NopRecorder() Recorder {
	return nopRecorder{}
}

// nopRecorder is used when no store is configured.
type nopRecorder struct{}

func (nopRecorder) AppendEvent(context.Context, *store.Event) error                { return nil }
func (nopRecorder) CreateRun(context.Context, *store.Run) error                    { return nil }
func (nopRecorder) UpdateRun(context.Context, string, store.RunUpdate) error       { return nil }
func (nopRecorder) CreateJobInstance(context.Context, *store.JobInstance) error    { return nil }
func (nopRecorder) UpdateJobInstance(context.Context, string, store.InstanceUpdate) error {
	return nil
}
func (nopRecorder) UpsertStepResult(context.Context, *store.StepResult) error { return nil }
