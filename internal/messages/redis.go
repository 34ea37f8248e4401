package messages

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSeqKey    = "cogscreen:messages:seq"
	redisListKeyNS = "cogscreen:messages:"
)

// RedisLog keeps each session's messages in a list beside the Redis session
// store. Ids come from INCR on one counter, so they increase across every
// process sharing the server.
type RedisLog struct {
	client *redis.Client
}

func NewRedisLog(client *redis.Client) *RedisLog {
	return &RedisLog{client: client}
}

// RegisterSession is a no-op; the session store owns session records.
func (l *RedisLog) RegisterSession(context.Context, string, string) error { return nil }

func (l *RedisLog) Append(ctx context.Context, msg Message) (Message, error) {
	id, err := l.client.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return Message{}, fmt.Errorf("allocate message id: %w", err)
	}
	msg.ID = id
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	if err := l.client.RPush(ctx, redisListKeyNS+msg.SessionID, b).Err(); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (l *RedisLog) List(ctx context.Context, sessionID string) ([]Message, error) {
	items, err := l.client.LRange(ctx, redisListKeyNS+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	out := make([]Message, 0, len(items))
	for i, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		out = append(out, m)
	}
	// Two appends can reach the list out of id order.
	slices.SortFunc(out, func(a, b Message) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Close leaves the shared client open; the session store closes it.
func (l *RedisLog) Close() error { return nil }
