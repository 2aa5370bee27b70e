package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Compensator reverses the credit reservation of a failed task. It is the
// single entry point for every failure call site (handler error, sweeper,
// explicit cancel), so the double-refund guard lives here and in the store's
// compensated flag, nowhere else.
type Compensator struct {
	store  Store
	ledger Ledger
	log    *slog.Logger
}

func NewCompensator(store Store, ledger Ledger, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{store: store, ledger: ledger, log: logger}
}

// Compensate marks the task failed with reason and refunds the reserved
// credits exactly once. Safe to call repeatedly and from concurrent call
// sites: only the caller that wins the compensated flag issues the refund.
// A task that already completed is left alone.
func (c *Compensator) Compensate(ctx context.Context, taskID, reason string) error {
	t, err := c.store.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("compensate %s: %w", taskID, err)
	}
	if t.Stage == StageCompleted {
		return nil
	}
	if err := c.store.MarkFailed(ctx, taskID, reason); err != nil {
		if !errors.Is(err, ErrTerminal) {
			return fmt.Errorf("compensate %s: mark failed: %w", taskID, err)
		}
		// The first read raced a terminal write. Re-read: a run that
		// completed in the window keeps its artifacts and its credits.
		t, err = c.store.GetByID(ctx, taskID)
		if err != nil {
			return fmt.Errorf("compensate %s: %w", taskID, err)
		}
		if t.Stage == StageCompleted {
			return nil
		}
	}
	won, err := c.store.MarkCompensated(ctx, taskID)
	if err != nil {
		return fmt.Errorf("compensate %s: %w", taskID, err)
	}
	if !won {
		// Another call site already handled the refund.
		return nil
	}
	if t.ReservedCredits <= 0 {
		return nil
	}
	if err := c.ledger.Refund(ctx, t.OwnerID, t.ReservedCredits); err != nil {
		// The flag stays set so a retry cannot double-refund; the audit row
		// is the reconciliation path for the missing refund.
		audit := RefundAudit{
			TaskID:   taskID,
			OwnerID:  t.OwnerID,
			Amount:   t.ReservedCredits,
			Reason:   reason,
			ErrorMsg: err.Error(),
		}
		if aerr := c.store.InsertRefundAudit(ctx, audit); aerr != nil {
			c.log.Error("refund audit write failed", "task", taskID, "refund_err", err, "audit_err", aerr)
		} else {
			c.log.Error("refund failed, audit recorded", "task", taskID, "owner", t.OwnerID, "amount", t.ReservedCredits, "err", err)
		}
		return fmt.Errorf("refund for task %s: %w", taskID, err)
	}
	c.log.Info("task compensated", "task", taskID, "owner", t.OwnerID, "amount", t.ReservedCredits, "reason", reason)
	return nil
}
