package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("session.redis")

const keyPrefix = "cogscreen:"

// RedisStore keeps session state as a JSON string and the turn log as a list.
type RedisStore struct {
	client *redis.Client
	newID  func() string
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, newID: NewID}, nil
}

func stateKey(id string) string { return keyPrefix + "session:" + id }
func turnsKey(id string) string { return keyPrefix + "turns:" + id }

func (s *RedisStore) Create(ctx context.Context, protocol, lang string) (string, error) {
	ctx, span := tracer.Start(ctx, "redis.session.create", trace.WithAttributes(attribute.String("protocol", protocol)))
	defer span.End()

	now := time.Now().UTC()
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id := s.newID()
		b, err := json.Marshal(Session{ID: id, Protocol: protocol, Lang: lang, CreatedAt: now, UpdatedAt: now})
		if err != nil {
			return "", fmt.Errorf("encode session: %w", err)
		}
		ok, err := s.client.SetNX(ctx, stateKey(id), b, 0).Result()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("create session: %w", err)
		}
		if ok {
			span.SetAttributes(attribute.String("session_id", id))
			return id, nil
		}
	}
	span.SetStatus(codes.Error, ErrIDExhausted.Error())
	return "", ErrIDExhausted
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	n, err := s.client.Exists(ctx, stateKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	if !ValidID(id) {
		return fresh(id), nil
	}
	b, err := s.client.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fresh(id), nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	sess.ID = id
	return sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	if !ValidID(sess.ID) {
		return fmt.Errorf("save session: invalid id %q", sess.ID)
	}
	sess.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(sess.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	ctx, span := tracer.Start(ctx, "redis.turns.append", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.Int("step_index", turn.StepIndex),
	))
	defer span.End()

	b, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	if err := s.client.RPush(ctx, turnsKey(id), b).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *RedisStore) Turns(ctx context.Context, id string) ([]Turn, error) {
	items, err := s.client.LRange(ctx, turnsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read turn log: %w", err)
	}
	turns := make([]Turn, 0, len(items))
	for i, item := range items {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn %d: %w", i, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Client is the connection shared with the session locks and message log.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Close() error {
	return s.client.Close()
}
