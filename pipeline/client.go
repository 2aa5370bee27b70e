package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TypeGenerate is the queue task type for a generation run.
const TypeGenerate = "genpipe:generate"

// GeneratePayload is the queue payload; everything else lives in the store.
type GeneratePayload struct {
	TaskID string `json:"task_id"`
}

// ValidationError reports a rejected submission. No reservation or task row
// is ever created for an invalid request.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: missing %s", e.Field)
}

// SubmitRequest is one user generation request.
type SubmitRequest struct {
	OwnerID    string
	Prompt     string
	ImageRefs  []string
	OutputType string
	Params     map[string]string
	Credits    int64  // reservation amount; 0 uses the client default
	ClientRef  string // optional idempotency handle for safe resubmission
}

type ClientOptions struct {
	Queue       string        // default "default"
	TaskTimeout time.Duration // asynq per-task timeout, default 10m
	DefaultCost int64         // credits reserved when the request names none, default 1
}

// Client accepts submissions: validate, reserve credits, persist the pending
// task, enqueue the run. Wraps asynq.Client the same way it wraps the store.
type Client struct {
	client      *asynq.Client
	store       Store
	ledger      Ledger
	comp        *Compensator
	queue       string
	taskTimeout time.Duration
	defaultCost int64
	log         *slog.Logger
}

func NewClient(redisOpt asynq.RedisClientOpt, store Store, ledger Ledger, comp *Compensator, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cost := opts.DefaultCost
	if cost <= 0 {
		cost = 1
	}
	return &Client{
		client:      asynq.NewClient(redisOpt),
		store:       store,
		ledger:      ledger,
		comp:        comp,
		queue:       q,
		taskTimeout: timeout,
		defaultCost: cost,
		log:         slog.Default(),
	}
}

// Submit validates and accepts one request. With a ClientRef the task id is
// deterministic, so resubmitting the same request returns the original task
// instead of reserving twice.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	id := taskID(req)
	credits := req.Credits
	if credits <= 0 {
		credits = c.defaultCost
	}
	if err := c.ledger.Reserve(ctx, req.OwnerID, credits); err != nil {
		return nil, fmt.Errorf("reserve credits: %w", err)
	}
	t := &Task{
		ID:              id,
		OwnerID:         req.OwnerID,
		Stage:           StagePending,
		Prompt:          req.Prompt,
		ImageRefs:       req.ImageRefs,
		OutputType:      req.OutputType,
		Params:          req.Params,
		ReservedCredits: credits,
	}
	if err := c.store.Insert(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			// Resubmission of an existing task; hand back the reservation we
			// just took and return the original.
			if rerr := c.ledger.Refund(ctx, req.OwnerID, credits); rerr != nil {
				c.log.Error("refund of duplicate reservation failed", "task", id, "err", rerr)
			}
			return c.store.GetByID(ctx, id)
		}
		if rerr := c.ledger.Refund(ctx, req.OwnerID, credits); rerr != nil {
			c.log.Error("refund after insert failure failed", "task", id, "err", rerr)
		}
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if err := c.enqueue(ctx, t); err != nil {
		if cerr := c.comp.Compensate(ctx, t.ID, "enqueue failed: "+err.Error()); cerr != nil {
			c.log.Error("compensation after enqueue failure failed", "task", t.ID, "err", cerr)
		}
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	c.log.Info("task submitted", "task", t.ID, "owner", t.OwnerID, "credits", credits)
	return t, nil
}

func (c *Client) enqueue(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(GeneratePayload{TaskID: t.ID})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(TypeGenerate, payload),
		asynq.TaskID(t.ID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(c.taskTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// Already queued; the run is owned by the earlier enqueue.
		return nil
	}
	return err
}

// Cancel asks the backend to stop a task. The run is compensated unless it
// already reached a terminal state; a mid-flight worker finishing a stage
// will find the task failed and stop at the next transition.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.comp.Compensate(ctx, taskID, "canceled by user")
}

// Status serves the polled status snapshot for a task.
func (c *Client) Status(ctx context.Context, taskID string) (StatusSnapshot, error) {
	t, err := c.store.GetByID(ctx, taskID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return t.Snapshot(), nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func validate(req SubmitRequest) error {
	switch {
	case req.OwnerID == "":
		return &ValidationError{Field: "owner"}
	case req.Prompt == "":
		return &ValidationError{Field: "prompt"}
	case len(req.ImageRefs) == 0:
		return &ValidationError{Field: "images"}
	case req.OutputType == "":
		return &ValidationError{Field: "output type"}
	}
	return nil
}

func taskID(req SubmitRequest) string {
	if req.ClientRef == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("t-%016x", xxhash.Sum64String(req.OwnerID+"\x1f"+req.ClientRef))
}
