package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcospaulo/makeitrain/internal/domain"
	"github.com/marcospaulo/makeitrain/internal/domain/run"
	"github.com/marcospaulo/makeitrain/internal/domain/task"
)

// Store implements store.Store using PostgreSQL. Tasks are upserted on every
// state change; stage events are append-only.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, retailer, item_ref, quantity, max_price, mode, priority,
	status, attempts, fail_kind, last_error, order_ref, account_id, proxy_id,
	not_before, enqueued_at, started_at, completed_at, created_at, updated_at`

func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, retailer, item_ref, quantity, max_price, mode, priority,
		    status, attempts, fail_kind, last_error, order_ref, account_id, proxy_id,
		    not_before, enqueued_at, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    fail_kind = EXCLUDED.fail_kind,
		    last_error = EXCLUDED.last_error,
		    order_ref = EXCLUDED.order_ref,
		    account_id = EXCLUDED.account_id,
		    proxy_id = EXCLUDED.proxy_id,
		    not_before = EXCLUDED.not_before,
		    enqueued_at = EXCLUDED.enqueued_at,
		    started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at,
		    updated_at = EXCLUDED.updated_at`,
		t.ID, t.Retailer, t.ItemRef, t.Quantity, t.MaxPrice, string(t.Mode), string(t.Priority),
		string(t.Status), t.Attempts, string(t.FailKind), t.LastError, t.OrderRef, t.AccountID, t.ProxyID,
		nullTime(t.NotBefore), nullTime(t.EnqueuedAt), t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns), id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks ORDER BY created_at DESC`, taskColumns))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, ev *run.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_events (task_id, run_id, from_stage, to_stage, fail_kind, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.TaskID, ev.RunID, string(ev.From), string(ev.To), string(ev.Kind), ev.Detail, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) LoadEvents(ctx context.Context, taskID string) ([]run.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, run_id, from_stage, to_stage, fail_kind, detail, created_at
		 FROM stage_events WHERE task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []run.Event
	for rows.Next() {
		var ev run.Event
		if err := rows.Scan(&ev.TaskID, &ev.RunID, &ev.From, &ev.To, &ev.Kind, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var notBefore, enqueuedAt *time.Time
	err := row.Scan(
		&t.ID, &t.Retailer, &t.ItemRef, &t.Quantity, &t.MaxPrice, &t.Mode, &t.Priority,
		&t.Status, &t.Attempts, &t.FailKind, &t.LastError, &t.OrderRef, &t.AccountID, &t.ProxyID,
		&notBefore, &enqueuedAt, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return task.Task{}, err
	}
	if notBefore != nil {
		t.NotBefore = *notBefore
	}
	if enqueuedAt != nil {
		t.EnqueuedAt = *enqueuedAt
	}
	return t, nil
}

// nullTime converts a zero time to nil for nullable DB columns.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
