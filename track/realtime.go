package track

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/mohans/genpipe/pipeline"
)

// RealtimeSubscriber feeds pushed status updates into the poller. Each event
// goes through the per-task debounce window, so an update burst reaches the
// view at most once per window.
type RealtimeSubscriber struct {
	rdb    *redis.Client
	prefix string
	poller *Poller
	pubsub *redis.PubSub
	log    *slog.Logger
}

func NewRealtimeSubscriber(rdb *redis.Client, prefix string, poller *Poller, logger *slog.Logger) *RealtimeSubscriber {
	if prefix == "" {
		prefix = pipeline.DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeSubscriber{rdb: rdb, prefix: prefix, poller: poller, log: logger}
}

// Start subscribes to every task channel under the prefix and pumps decoded
// events into the poller until Close or context cancellation.
func (s *RealtimeSubscriber) Start(ctx context.Context) error {
	s.pubsub = s.rdb.PSubscribe(ctx, s.prefix+"*")
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return err
	}
	go s.pump(ctx, s.pubsub.Channel())
	return nil
}

func (s *RealtimeSubscriber) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}

func (s *RealtimeSubscriber) pump(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			snap, err := s.decode(msg)
			if err != nil {
				s.log.Warn("dropping malformed push", "channel", msg.Channel, "err", err)
				continue
			}
			s.poller.Push(snap)
		}
	}
}

// decode tolerates loosely-typed publishers: numbers may arrive as floats or
// strings, fields may be missing. The task id falls back to the channel
// suffix when the payload omits it.
func (s *RealtimeSubscriber) decode(msg *redis.Message) (pipeline.StatusSnapshot, error) {
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(msg.Payload), &raw); err != nil {
		return pipeline.StatusSnapshot{}, err
	}
	snap := pipeline.StatusSnapshot{
		TaskID:     cast.ToString(raw["task_id"]),
		Status:     pipeline.Stage(cast.ToString(raw["status"])),
		Completed:  cast.ToInt(raw["completed"]),
		Total:      cast.ToInt(raw["total"]),
		EtaSeconds: cast.ToFloat64(raw["etaSeconds"]),
		Message:    cast.ToString(raw["message"]),
		ErrorMsg:   cast.ToString(raw["error_message"]),
	}
	if snap.TaskID == "" {
		snap.TaskID = strings.TrimPrefix(msg.Channel, s.prefix)
	}
	if res, ok := raw["result"]; ok && res != nil {
		buf, err := json.Marshal(res)
		if err == nil {
			parsed := pipeline.Result{}
			if json.Unmarshal(buf, &parsed) == nil {
				snap.Result = &parsed
			}
		}
	}
	return snap, nil
}
