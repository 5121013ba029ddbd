package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	trigger := run.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, source, trigger, status, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, nullStr(run.Source), trigger, string(run.Status),
		nullRaw(run.Error), timeOrNow(run.CreatedAt), nullTime(run.StartedAt),
		nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		source, errJSON        sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, source, trigger, status, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowName, &source, &run.Trigger, &status, &errJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Source = source.String
	run.Status = schema.RunStatus(status)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if len(update.Error) > 0 {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, workflow_name, source, trigger, status, error, created_at, started_at, completed_at, updated_at FROM runs`
	var where []string
	var args []any

	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			source, errJSON        sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowName, &source, &run.Trigger, &status, &errJSON,
			&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Source = source.String
		run.Status = schema.RunStatus(status)
		run.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Job instances ---

func (s *LibSQLStore) CreateJobInstance(ctx context.Context, inst *JobInstance) error {
	matrix, err := marshalStringMap(inst.Matrix)
	if err != nil {
		return fmt.Errorf("marshal matrix: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_instances (id, run_id, job_name, instance_name, matrix, runs_on, status, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.RunID, inst.JobName, inst.InstanceName, matrix, nullStr(inst.RunsOn),
		string(inst.Status), nullRaw(inst.Error), nullTime(inst.StartedAt), nullTime(inst.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateJobInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if len(update.Error) > 0 {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE job_instances SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job instance", id)
}

func (s *LibSQLStore) ListJobInstances(ctx context.Context, runID string) ([]*JobInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, job_name, instance_name, matrix, runs_on, status, error, started_at, completed_at
		 FROM job_instances WHERE run_id = ? ORDER BY job_name, instance_name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*JobInstance
	for rows.Next() {
		inst := &JobInstance{}
		var (
			matrixJSON, runsOn, errJSON sql.NullString
			startedAt, completedAt      sql.NullTime
			status                      string
		)
		if err := rows.Scan(&inst.ID, &inst.RunID, &inst.JobName, &inst.InstanceName,
			&matrixJSON, &runsOn, &status, &errJSON, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		inst.RunsOn = runsOn.String
		inst.Status = schema.InstanceStatus(status)
		inst.Error = rawOrNil(errJSON)
		if matrixJSON.Valid && matrixJSON.String != "" {
			if err := json.Unmarshal([]byte(matrixJSON.String), &inst.Matrix); err != nil {
				return nil, fmt.Errorf("unmarshal matrix: %w", err)
			}
		}
		if startedAt.Valid {
			inst.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- Step results ---

func (s *LibSQLStore) UpsertStepResult(ctx context.Context, result *StepResult) error {
	outputs, err := marshalStringMap(result.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	var exitCode any
	if result.ExitCode != nil {
		exitCode = *result.ExitCode
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_results (instance_id, step_index, step_id, name, status, exit_code, outputs, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, step_index) DO UPDATE SET
		   status=excluded.status, exit_code=excluded.exit_code, outputs=excluded.outputs,
		   error=excluded.error, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		result.InstanceID, result.StepIndex, nullStr(result.StepID), result.Name,
		string(result.Status), exitCode, outputs, nullRaw(result.Error),
		nullTime(result.StartedAt), nullTime(result.CompletedAt), result.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListStepResults(ctx context.Context, instanceID string) ([]*StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, step_index, step_id, name, status, exit_code, outputs, error, started_at, completed_at, duration_ms
		 FROM step_results WHERE instance_id = ? ORDER BY step_index`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*StepResult
	for rows.Next() {
		r := &StepResult{}
		var (
			stepID, outputsJSON, errJSON sql.NullString
			exitCode                     sql.NullInt64
			startedAt, completedAt       sql.NullTime
			status                       string
			durationMs                   sql.NullInt64
		)
		if err := rows.Scan(&r.InstanceID, &r.StepIndex, &stepID, &r.Name, &status,
			&exitCode, &outputsJSON, &errJSON, &startedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		r.StepID = stepID.String
		r.Status = schema.StepStatus(status)
		r.Error = rawOrNil(errJSON)
		if exitCode.Valid {
			ec := int(exitCode.Int64)
			r.ExitCode = &ec
		}
		if outputsJSON.Valid && outputsJSON.String != "" {
			if err := json.Unmarshal([]byte(outputsJSON.String), &r.Outputs); err != nil {
				return nil, fmt.Errorf("unmarshal outputs: %w", err)
			}
		}
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		r.DurationMs = durationMs.Int64
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Events ---

// AppendEvent inserts a pre-sequenced event. Most callers should use
// EventLog.AppendEvent, which assigns the per-run sequence atomically.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, instance_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.InstanceID), nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), event.Timestamp, event.Sequence,
	)
	return err
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, instance_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, run_id, instance_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE event_type = ?`
	args := []any{eventType}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.InstanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, filter.InstanceID)
	}
	if filter.StepID != "" {
		query += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var instanceID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &instanceID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.InstanceID = instanceID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Scheduled workflows ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *ScheduledWorkflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_workflows (id, workflow_name, source, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowName, sched.Source, sched.CronExpression, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus),
		timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*ScheduledWorkflow, error) {
	sched := &ScheduledWorkflow{}
	var lastRunAt, nextRunAt sql.NullTime
	var lastRunStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, source, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_workflows WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.WorkflowName, &sched.Source, &sched.CronExpression, &sched.Enabled,
		&lastRunAt, &nextRunAt, &lastRunStatus, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	sched.LastRunStatus = lastRunStatus.String
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE scheduled_workflows SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduledWorkflow, error) {
	query := `SELECT id, workflow_name, source, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_workflows`
	var args []any

	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, *filter.Enabled)
	}
	query += " ORDER BY workflow_name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*ScheduledWorkflow
	for rows.Next() {
		sched := &ScheduledWorkflow{}
		var lastRunAt, nextRunAt sql.NullTime
		var lastRunStatus sql.NullString
		if err := rows.Scan(&sched.ID, &sched.WorkflowName, &sched.Source, &sched.CronExpression,
			&sched.Enabled, &lastRunAt, &nextRunAt, &lastRunStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			sched.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			sched.NextRunAt = &nextRunAt.Time
		}
		sched.LastRunStatus = lastRunStatus.String
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStringMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
