package messages

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Backends names where a log may live. The first one set wins.
type Backends struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client
	// Dir is the sessions directory of a filesystem session store.
	Dir string
}

// NewLog picks postgres, then redis, then files; with nothing set the log
// lives in memory and is lost on restart.
func NewLog(ctx context.Context, b Backends) (Log, error) {
	switch {
	case b.Pool != nil:
		return NewPostgresLog(ctx, b.Pool)
	case b.Redis != nil:
		return NewRedisLog(b.Redis), nil
	case b.Dir != "":
		return NewFileLog(b.Dir)
	default:
		return NewInMemoryLog(), nil
	}
}
