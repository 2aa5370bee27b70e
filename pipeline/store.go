package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no task row exists for an id.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateID is returned by Insert when the id is already taken.
	ErrDuplicateID = errors.New("task id already exists")
	// ErrTerminal is returned when a write targets a task that already
	// reached completed or failed.
	ErrTerminal = errors.New("task already terminal")
	// ErrStageConflict is returned when a guarded transition found the task
	// in a different stage than expected.
	ErrStageConflict = errors.New("task stage changed concurrently")
)

// RefundAudit is a write-only record of a refund that could not be issued,
// kept for manual reconciliation.
type RefundAudit struct {
	TaskID    string
	OwnerID   string
	Amount    int64
	Reason    string
	ErrorMsg  string
	CreatedAt time.Time
}

// Store abstracts persistence for task lifecycle records.
// Implementations must be safe for concurrent use and atomic per row.
type Store interface {
	Insert(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, taskID string) (*Task, error)
	AdvanceStage(ctx context.Context, taskID string, from, to Stage) error
	SetModel(ctx context.Context, taskID, modelID string) error
	MarkCompleted(ctx context.Context, taskID string, res *Result) error
	MarkFailed(ctx context.Context, taskID string, reason string) error
	MarkCompensated(ctx context.Context, taskID string) (bool, error)
	InsertRefundAudit(ctx context.Context, a RefundAudit) error
	ListStuck(ctx context.Context, cutoff time.Time) ([]*Task, error)
}

// SQLStore is a reference implementation backed by a relational DB
// (SQLite/Postgres/MySQL). Schema is in store_schema.sql next to the tests.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// pgRebind rewrites '?' placeholders to '$N'. Queries are written with '?'
// and retried in Postgres style when the driver rejects them; detecting the
// driver name reliably is not possible through database/sql.
func pgRebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		res2, err2 := s.db.ExecContext(ctx, pgRebind(q), args...)
		if err2 != nil {
			return nil, err
		}
		return res2, nil
	}
	return res, nil
}

func (s *SQLStore) Insert(ctx context.Context, t *Task) error {
	refs, err := json.Marshal(t.ImageRefs)
	if err != nil {
		return err
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	q := `INSERT INTO genpipe_tasks
		(id, owner_id, stage, prompt, image_refs_json, output_type, params_json,
		 model_id, retry_count, reserved_credits, compensated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`
	if _, err := s.exec(ctx, q, t.ID, t.OwnerID, string(t.Stage), t.Prompt, string(refs),
		t.OutputType, string(params), t.SelectedModelID, t.RetryCount,
		t.ReservedCredits, now, now); err != nil {
		if existing, gerr := s.GetByID(ctx, t.ID); gerr == nil && existing != nil {
			return ErrDuplicateID
		}
		return err
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

const taskColumns = `id, owner_id, stage, prompt, image_refs_json, output_type,
	params_json, model_id, retry_count, reserved_credits, compensated,
	result_json, created_at, updated_at`

func (s *SQLStore) GetByID(ctx context.Context, taskID string) (*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT ` + taskColumns + ` FROM genpipe_tasks WHERE id = ?`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		t, err2 := scanTask(s.db.QueryRowContext(ctx, pgRebind(q), taskID))
		if err2 != nil {
			if errors.Is(err2, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return t, nil
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := Task{}
	var stage, refsJSON, paramsJSON string
	var modelID, resultJSON sql.NullString
	var compensated int
	if err := row.Scan(&t.ID, &t.OwnerID, &stage, &t.Prompt, &refsJSON, &t.OutputType,
		&paramsJSON, &modelID, &t.RetryCount, &t.ReservedCredits, &compensated,
		&resultJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Stage = Stage(stage)
	t.Compensated = compensated != 0
	if modelID.Valid {
		t.SelectedModelID = modelID.String
	}
	if err := json.Unmarshal([]byte(refsJSON), &t.ImageRefs); err != nil {
		return nil, fmt.Errorf("decode image refs: %w", err)
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		res := Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		t.Result = &res
	}
	return &t, nil
}

// AdvanceStage moves a task one step forward. The UPDATE is conditioned on
// the expected current stage so concurrent writers cannot double-apply a
// transition.
func (s *SQLStore) AdvanceStage(ctx context.Context, taskID string, from, to Stage) error {
	if !CanAdvance(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	q := `UPDATE genpipe_tasks SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?`
	res, err := s.exec(ctx, q, string(to), time.Now().UTC(), taskID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStageConflict
	}
	return nil
}

func (s *SQLStore) SetModel(ctx context.Context, taskID, modelID string) error {
	q := `UPDATE genpipe_tasks SET model_id = ?, updated_at = ? WHERE id = ?`
	_, err := s.exec(ctx, q, modelID, time.Now().UTC(), taskID)
	return err
}

// MarkCompleted writes the completed terminal state. At most one terminal
// write succeeds; later attempts return ErrTerminal.
func (s *SQLStore) MarkCompleted(ctx context.Context, taskID string, res *Result) error {
	return s.markTerminal(ctx, taskID, StageCompleted, res)
}

// MarkFailed writes the failed terminal state with a reason.
func (s *SQLStore) MarkFailed(ctx context.Context, taskID string, reason string) error {
	return s.markTerminal(ctx, taskID, StageFailed, &Result{ErrorMsg: reason})
}

func (s *SQLStore) markTerminal(ctx context.Context, taskID string, stage Stage, r *Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	q := `UPDATE genpipe_tasks SET stage = ?, result_json = ?, updated_at = ?
		WHERE id = ? AND stage NOT IN (?, ?)`
	res, err := s.exec(ctx, q, string(stage), string(payload), time.Now().UTC(),
		taskID, string(StageCompleted), string(StageFailed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTerminal
	}
	return nil
}

// MarkCompensated flips the compensated flag with a compare-and-set. It
// returns true only for the single caller that won the flip; that caller is
// the one allowed to issue the refund. The flip is additionally conditioned
// on the failed stage, so a run that completed concurrently can never be
// refunded: the completed terminal write and this UPDATE race on the same
// row and exactly one of them sees the state it requires.
func (s *SQLStore) MarkCompensated(ctx context.Context, taskID string) (bool, error) {
	q := `UPDATE genpipe_tasks SET compensated = 1, updated_at = ?
		WHERE id = ? AND compensated = 0 AND stage = ?`
	res, err := s.exec(ctx, q, time.Now().UTC(), taskID, string(StageFailed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) InsertRefundAudit(ctx context.Context, a RefundAudit) error {
	q := `INSERT INTO genpipe_refund_audit
		(task_id, owner_id, amount, reason, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, q, a.TaskID, a.OwnerID, a.Amount, a.Reason, a.ErrorMsg,
		time.Now().UTC())
	return err
}

// ListStuck returns non-terminal tasks whose last write is older than cutoff.
// Used by the sweeper to detect abandoned runs.
func (s *SQLStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT ` + taskColumns + ` FROM genpipe_tasks
		WHERE stage NOT IN (?, ?) AND updated_at < ?`
	rows, err := s.db.QueryContext(ctx, q, string(StageCompleted), string(StageFailed), cutoff.UTC())
	if err != nil {
		rows, err = s.db.QueryContext(ctx, pgRebind(q), string(StageCompleted), string(StageFailed), cutoff.UTC())
		if err != nil {
			return nil, err
		}
	}
	defer rows.Close()
	out := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
