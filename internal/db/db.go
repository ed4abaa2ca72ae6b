package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"
)

// timeLayout is the created_at text format. It sorts lexically and parses
// alongside the CURRENT_TIMESTAMP values written by older databases.
const timeLayout = "2006-01-02 15:04:05.000000"

// DB wraps a sql.DB connection to the SQLite rule-outcome database.
// The connection pool is capped at one connection: the store assumes a
// single writer per invocation.
type DB struct {
	conn *sql.DB
}

// RuleOutcome is one append-only row of the rule outcome log.
type RuleOutcome struct {
	ID             int64
	RuleID         string
	Pattern        string
	Recommendation string
	Project        string
	ErrorCodes     []string
	BuildSuccess   bool
	Confidence     float64
	CreatedAt      time.Time
}

// Open creates a new DB connection and runs all pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// --- Migrations ---

func (d *DB) migrate(ctx context.Context) error {
	if err := bootstrapFromLegacy(d.conn); err != nil {
		return fmt.Errorf("bootstrap legacy schema: %w", err)
	}

	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, d.conn, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// --- Rule Outcome Methods ---

// InsertRuleOutcome appends a rule outcome and returns its ID. A zero
// CreatedAt is stamped with the current time.
func (d *DB) InsertRuleOutcome(ctx context.Context, o *RuleOutcome) (int64, error) {
	codes := o.ErrorCodes
	if codes == nil {
		codes = []string{}
	}
	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return 0, fmt.Errorf("encode error codes: %w", err)
	}

	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO ai_rules_log (rule_id, pattern, recommendation, project, error_codes, build_success, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RuleID, o.Pattern, o.Recommendation, o.Project, string(codesJSON), boolToInt(o.BuildSuccess), o.Confidence,
		created.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert rule outcome: %w", err)
	}
	return res.LastInsertId()
}

// RuleOutcomesMatching returns every outcome whose pattern contains substr
// as a literal, case-sensitive substring. A non-zero since excludes rows
// created before it. Rows are ordered oldest first.
func (d *DB) RuleOutcomesMatching(ctx context.Context, substr string, since time.Time) ([]RuleOutcome, error) {
	query := `SELECT id, rule_id, pattern, recommendation, project, error_codes, build_success, confidence, created_at
		FROM ai_rules_log WHERE instr(pattern, ?) > 0`
	args := []any{substr}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rule outcomes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var outcomes []RuleOutcome
	for rows.Next() {
		var (
			o                                    RuleOutcome
			ruleID, pattern, rec, project, codes sql.NullString
			success                              sql.NullInt64
			confidence                           sql.NullFloat64
			created                              any
		)
		if err := rows.Scan(&o.ID, &ruleID, &pattern, &rec, &project, &codes, &success, &confidence, &created); err != nil {
			return nil, fmt.Errorf("scan rule outcome: %w", err)
		}
		o.RuleID = ruleID.String
		o.Pattern = pattern.String
		o.Recommendation = rec.String
		o.Project = project.String
		o.BuildSuccess = success.Int64 != 0
		o.Confidence = 1.0
		if confidence.Valid {
			o.Confidence = confidence.Float64
		}
		if codes.Valid && codes.String != "" {
			// Malformed legacy values leave ErrorCodes empty rather than
			// hiding the row.
			_ = json.Unmarshal([]byte(codes.String), &o.ErrorCodes)
		}
		t, err := parseTimestamp(created)
		if err != nil {
			return nil, fmt.Errorf("rule outcome %d: %w", o.ID, err)
		}
		o.CreatedAt = t
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// CountRuleOutcomes returns the total number of logged outcomes.
func (d *DB) CountRuleOutcomes(ctx context.Context) (int, error) {
	var n int
	if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_rules_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rule outcomes: %w", err)
	}
	return n, nil
}

// parseTimestamp accepts the text layouts written by this package and by
// CURRENT_TIMESTAMP, or a time.Time when the driver already converted a
// TIMESTAMP-typed column.
func parseTimestamp(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	case nil:
		return time.Time{}, fmt.Errorf("created_at is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported created_at type %T", v)
	}

	layouts := []string{
		timeLayout,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
