package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Processor runs the worker server that consumes generation tasks. One queue
// delivery corresponds to one Orchestrator.Run; delivery-level dedup comes
// from the task-id enqueue option, and the store's stage guard catches
// anything that still slips through.
type Processor struct {
	server *asynq.Server
	orch   *Orchestrator
	log    *slog.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	Logger      *slog.Logger
}

func NewProcessor(redisOpt asynq.RedisClientOpt, orch *Orchestrator, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{Concurrency: con, Queues: qs})
	return &Processor{server: server, orch: orch, log: logger}
}

func (p *Processor) handleGenerate(ctx context.Context, t *asynq.Task) error {
	var payload GeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return p.orch.Run(ctx, payload.TaskID)
}

// Middleware to log run start/finish with duration.
func (p *Processor) loggingMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		p.log.Info("run started", "queue_id", id, "type", t.Type())
		err := next.ProcessTask(ctx, t)
		if err != nil {
			p.log.Warn("run finished with error", "queue_id", id, "took", time.Since(start), "err", err)
		} else {
			p.log.Info("run finished", "queue_id", id, "took", time.Since(start))
		}
		return err
	})
}

// Start runs the server until Shutdown. Additional handlers may be
// registered on the provided mux; nil gets a fresh one.
func (p *Processor) Start(mux *asynq.ServeMux) error {
	if mux == nil {
		mux = asynq.NewServeMux()
	}
	mux.HandleFunc(TypeGenerate, p.handleGenerate)
	return p.server.Run(p.loggingMiddleware(mux))
}

func (p *Processor) Shutdown() { p.server.Shutdown() }
