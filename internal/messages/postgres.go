package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog persists messages in PostgreSQL. Ids come from a BIGSERIAL, so
// they increase monotonically across sessions.
type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresLog{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			audio_url TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages (session_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (l *PostgresLog) RegisterSession(ctx context.Context, sessionID, protocol string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO sessions (id, protocol) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		sessionID,
		protocol,
	)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	err := l.pool.QueryRow(ctx,
		`INSERT INTO messages (session_id, role, text, audio_url, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		msg.SessionID,
		string(msg.Role),
		msg.Text,
		msg.AudioURL,
		msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (l *PostgresLog) List(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, session_id, role, text, audio_url, created_at
		 FROM messages WHERE session_id=$1 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, 8)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Text, &m.AudioURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

// Close leaves the shared pool open; its owner closes it.
func (l *PostgresLog) Close() error { return nil }
