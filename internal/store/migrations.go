package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// migration is one NNN_name.sql file.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// loadMigrations reads NNN_name.sql files for a dialect, ordered by version.
func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations %s: %w", dir, err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: expected NNN_name.sql", e.Name())
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", e.Name(), err)
		}
		body, err := fs.ReadFile(migrationFS, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{Version: version, Name: name, SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

const migrationsTable = "genchain_migrations"

// runMigrations applies every embedded migration newer than the highest
// recorded version. Each migration commits in its own transaction.
func runMigrations(ctx context.Context, s *SQLStore) error {
	dialect := "sqlite"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}
	pending, err := loadMigrations(dialect)
	if err != nil {
		return err
	}

	ddl := "CREATE TABLE IF NOT EXISTS " + migrationsTable + ` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", migrationsTable, err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+migrationsTable).Scan(&applied); err != nil {
		return fmt.Errorf("read applied version: %w", err)
	}
	for _, m := range pending {
		if m.Version > applied {
			if err := applyMigration(ctx, s, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyMigration(ctx context.Context, s *SQLStore, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %03d: begin: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %03d_%s statement %d: %w", m.Version, m.Name, i+1, err)
		}
	}
	record := s.q("INSERT INTO " + migrationsTable + " (version, name) VALUES (?, ?)")
	if _, err := tx.ExecContext(ctx, record, m.Version, m.Name); err != nil {
		return fmt.Errorf("migration %03d: record: %w", m.Version, err)
	}
	return tx.Commit()
}

// splitStatements cuts a script on semicolons and keeps chunks that contain
// at least one non-comment line.
func splitStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" && !commentOnly(chunk) {
			out = append(out, chunk)
		}
	}
	return out
}

func commentOnly(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
