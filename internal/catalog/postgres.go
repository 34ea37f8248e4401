package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads prompt content from the prompt_assets table.
// Step ids are derived from the protocol family and the step number, so
// mmse_v1 step 3 becomes "mmse_step03".
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(ctx context.Context, pool *pgxpool.Pool) (*PostgresSource, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prompt_assets (
			protocol TEXT NOT NULL,
			lang TEXT NOT NULL,
			step INTEGER NOT NULL,
			text TEXT NOT NULL,
			audio_relpath TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (protocol, lang, step)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) Name() string { return "postgres" }

func (s *PostgresSource) Protocols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT protocol FROM prompt_assets ORDER BY protocol`)
	if err != nil {
		return nil, fmt.Errorf("query protocols: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan protocol row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate protocol rows: %w", err)
	}
	return names, nil
}

func (s *PostgresSource) Steps(ctx context.Context, protocol, lang string) ([]Step, error) {
	var known bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prompt_assets WHERE protocol=$1)`, protocol,
	).Scan(&known); err != nil {
		return nil, fmt.Errorf("lookup protocol: %w", err)
	}
	if !known {
		return nil, ErrUnknownProtocol
	}

	rows, err := s.pool.Query(ctx,
		`SELECT step, text, audio_relpath FROM prompt_assets
		 WHERE protocol=$1 AND lang=$2 ORDER BY step ASC`,
		protocol,
		NormalizeLang(lang, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("query prompt assets: %w", err)
	}
	defer rows.Close()

	prefix := stepIDPrefix(protocol)
	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.Ordinal, &st.Question, &st.AudioRef); err != nil {
			return nil, fmt.Errorf("scan prompt asset row: %w", err)
		}
		st.ID = fmt.Sprintf("%s_step%02d", prefix, st.Ordinal)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt asset rows: %w", err)
	}
	return steps, nil
}

func stepIDPrefix(protocol string) string {
	family, _, _ := strings.Cut(protocol, "_")
	if family == "" {
		return protocol
	}
	return family
}
