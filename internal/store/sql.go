package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/genchain/pkg/schema"
)

// Supported database/sql driver names.
const (
	DriverLibSQL   = "libsql"
	DriverPostgres = "pgx"
)

// SQLStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens a store for the given driver. For libsql the DSN is a file URI,
// e.g. "file:/path/to/genchain.db". For pgx it is a postgres connection URL.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", DriverLibSQL, "sqlite":
		return NewLibSQLStore(dsn)
	case DriverPostgres, "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewLibSQLStore opens an embedded libSQL database.
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open(DriverLibSQL, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db, driver: DriverLibSQL}, nil
}

// NewPostgresStore opens a postgres database through the pgx stdlib driver.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required for postgres driver")
	}
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &SQLStore{db: db, driver: DriverPostgres}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string { return s.driver }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s)
}

// q rewrites "?" placeholders to "$n" for postgres.
func (s *SQLStore) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.q(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.q(query), args...)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GenchainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.GenchainError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any, fallback string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return fallback, nil
	}
	return string(b), nil
}

// placeholders returns "?, ?, ?" for n args.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
