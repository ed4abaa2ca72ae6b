package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS ai_rules_log (
	id BIGSERIAL PRIMARY KEY,
	rule_id TEXT,
	pattern TEXT,
	recommendation TEXT,
	project TEXT,
	error_codes TEXT,
	build_success INTEGER,
	confidence DOUBLE PRECISION DEFAULT 1.0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ai_rules_log_group ON ai_rules_log(pattern, recommendation);`

// PostgresBackend stores records in a shared PostgreSQL database so that
// several machines can learn from one history.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to url, verifies the connection and creates
// the table when missing.
func NewPostgresBackend(ctx context.Context, url string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &PostgresBackend{pool: pool}
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// EnsureSchema creates the outcome table and its grouping index.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

func (b *PostgresBackend) Append(ctx context.Context, r Record) error {
	codes := r.ErrorCodes
	if codes == nil {
		codes = []string{}
	}
	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("encode error codes: %w", err)
	}
	success := 0
	if r.Success {
		success = 1
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO ai_rules_log (rule_id, pattern, recommendation, project, error_codes, build_success, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.RuleID, r.Pattern, r.Recommendation, r.Project, string(codesJSON), success, r.Confidence, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rule outcome: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Matching(ctx context.Context, substr string, since time.Time) ([]Record, error) {
	query := `SELECT COALESCE(rule_id, ''), COALESCE(pattern, ''), COALESCE(recommendation, ''), COALESCE(project, ''),
		COALESCE(error_codes, ''), COALESCE(build_success, 0), COALESCE(confidence, 1.0), created_at
		FROM ai_rules_log WHERE strpos(pattern, $1) > 0`
	args := []any{substr}
	if !since.IsZero() {
		query += ` AND created_at >= $2`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY created_at, id`

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rule outcomes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			codes   string
			success int32
		)
		if err := rows.Scan(&r.RuleID, &r.Pattern, &r.Recommendation, &r.Project, &codes, &success, &r.Confidence, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule outcome: %w", err)
		}
		r.Success = success != 0
		if codes != "" {
			_ = json.Unmarshal([]byte(codes), &r.ErrorCodes)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
