package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeLedger struct {
	mu         sync.Mutex
	reserved   int64
	refunded   int64
	refunds    int
	refundErr  error
	reserveErr error
}

func (l *fakeLedger) Reserve(ctx context.Context, ownerID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.reserved += amount
	return nil
}

func (l *fakeLedger) Refund(ctx context.Context, ownerID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refundErr != nil {
		return l.refundErr
	}
	l.refunded += amount
	l.refunds++
	return nil
}

func (l *fakeLedger) stats() (int64, int64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved, l.refunded, l.refunds
}

func TestCompensator_RefundsExactlyOnce(t *testing.T) {
	store := NewSQLStore(openTestDB(t, "comp_once"))
	ledger := &fakeLedger{}
	comp := NewCompensator(store, ledger, nil)
	ctx := context.Background()

	task := newTestTask("task-c1")
	if err := store.Insert(ctx, task); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Two call sites reporting the same failure.
	if err := comp.Compensate(ctx, task.ID, "quota exceeded"); err != nil {
		t.Fatalf("first compensate: %v", err)
	}
	if err := comp.Compensate(ctx, task.ID, "timeout"); err != nil {
		t.Fatalf("second compensate: %v", err)
	}

	_, refunded, refunds := ledger.stats()
	if refunds != 1 || refunded != task.ReservedCredits {
		t.Fatalf("want 1 refund of %d, got %d refunds totaling %d", task.ReservedCredits, refunds, refunded)
	}
	got, err := store.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Stage != StageFailed || got.Result.ErrorMsg != "quota exceeded" {
		t.Fatalf("first reason must win: %#v", got.Result)
	}
	if !got.Compensated {
		t.Fatalf("compensated flag not set")
	}
}

func TestCompensator_RefundFailureIsAudited(t *testing.T) {
	db := openTestDB(t, "comp_audit")
	store := NewSQLStore(db)
	ledger := &fakeLedger{refundErr: errors.New("ledger down")}
	comp := NewCompensator(store, ledger, nil)
	ctx := context.Background()

	task := newTestTask("task-c2")
	if err := store.Insert(ctx, task); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := comp.Compensate(ctx, task.ID, "boom"); err == nil {
		t.Fatalf("expected refund error to surface")
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM genpipe_refund_audit WHERE task_id = ?`, task.ID).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 audit row got %d", n)
	}

	// The flag stays set: a retry must not refund after the ledger recovers,
	// reconciliation happens from the audit row.
	ledger.mu.Lock()
	ledger.refundErr = nil
	ledger.mu.Unlock()
	if err := comp.Compensate(ctx, task.ID, "boom again"); err != nil {
		t.Fatalf("retry compensate: %v", err)
	}
	if _, _, refunds := ledger.stats(); refunds != 0 {
		t.Fatalf("retry must not refund, got %d refunds", refunds)
	}
}

// completesBeforeFailing interleaves a concurrent successful terminal write
// in front of the compensation path's failed write.
type completesBeforeFailing struct {
	Store
	once sync.Once
}

func (s *completesBeforeFailing) MarkFailed(ctx context.Context, taskID string, reason string) error {
	s.once.Do(func() {
		_ = s.Store.MarkCompleted(ctx, taskID, &Result{Images: []Artifact{{Ref: "F1"}}})
	})
	return s.Store.MarkFailed(ctx, taskID, reason)
}

func TestCompensator_ConcurrentCompletionIsNeverRefunded(t *testing.T) {
	inner := NewSQLStore(openTestDB(t, "comp_race"))
	store := &completesBeforeFailing{Store: inner}
	ledger := &fakeLedger{}
	comp := NewCompensator(store, ledger, nil)
	ctx := context.Background()

	task := newTestTask("task-c4")
	if err := store.Insert(ctx, task); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.AdvanceStage(ctx, task.ID, StagePending, StageProcessing); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	// Cancel arrives while the worker is finishing: the completed write
	// lands between the compensator's read and its failed write.
	if err := comp.Compensate(ctx, task.ID, "canceled by user"); err != nil {
		t.Fatalf("Compensate: %v", err)
	}

	if _, _, refunds := ledger.stats(); refunds != 0 {
		t.Fatalf("delivered task must keep its credits, got %d refunds", refunds)
	}
	got, err := store.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Stage != StageCompleted || got.Compensated {
		t.Fatalf("terminal state corrupted: stage=%s compensated=%v", got.Stage, got.Compensated)
	}
	if got.Result == nil || len(got.Result.Images) != 1 {
		t.Fatalf("artifacts lost: %#v", got.Result)
	}
}

func TestCompensator_LeavesCompletedTaskAlone(t *testing.T) {
	store := NewSQLStore(openTestDB(t, "comp_completed"))
	ledger := &fakeLedger{}
	comp := NewCompensator(store, ledger, nil)
	ctx := context.Background()

	task := newTestTask("task-c3")
	if err := store.Insert(ctx, task); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.MarkCompleted(ctx, task.ID, &Result{Images: []Artifact{{Ref: "F1"}}}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := comp.Compensate(ctx, task.ID, "late failure signal"); err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if _, _, refunds := ledger.stats(); refunds != 0 {
		t.Fatalf("completed task must not be refunded")
	}
	got, _ := store.GetByID(ctx, task.ID)
	if got.Stage != StageCompleted {
		t.Fatalf("completed task overwritten: %s", got.Stage)
	}
}
