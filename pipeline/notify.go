package pipeline

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is the pub/sub channel prefix for status snapshots.
// Subscribers build the channel as prefix + task id.
const DefaultChannelPrefix = "genpipe:task:"

// RedisNotifier publishes status snapshots on redis pub/sub. Consumers are
// the client-side trackers; delivery is best effort, pollers remain the
// authoritative path.
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisNotifier(rdb *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{rdb: rdb, prefix: prefix}
}

func (n *RedisNotifier) Publish(ctx context.Context, snap StatusSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.prefix+snap.TaskID, payload).Err()
}
