package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migrationNameRe = regexp.MustCompile(`^(\d+)_.*\.sql$`)

type migrationFile struct {
	version  int
	filename string
	sql      string
}

// loadMigrations lists the embedded migration files, filters by the
// ^\d+_.*\.sql$ pattern (spec.md §4.2), and returns them sorted
// ascending by numeric version.
func loadMigrations() ([]migrationFile, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		files = append(files, migrationFile{version: version, filename: e.Name(), sql: string(body)})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// ApplyMigrations applies every pending migration in ascending version
// order inside its own immediate transaction, recording it in the
// schema_migrations ledger. Already-applied versions are skipped, so
// calling this repeatedly is idempotent (spec.md §4.2, §8).
func (s *Store) ApplyMigrations(ctx context.Context) error {
	if err := s.ensureLedger(ctx); err != nil {
		return err
	}

	files, err := loadMigrations()
	if err != nil {
		return err
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, f := range files {
		if applied[f.version] {
			continue
		}
		if err := s.applyOne(ctx, f); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", f.version, f.filename, err)
		}
	}
	return nil
}

func (s *Store) ensureLedger(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version        INTEGER PRIMARY KEY,
			filename       TEXT NOT NULL,
			applied_at_ms  INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyOne(ctx context.Context, f migrationFile) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, stmt := range splitStatements(f.sql) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := conn.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, filename, applied_at_ms) VALUES (?, ?, ?)`,
			f.version, f.filename, nowMS(),
		)
		return err
	})
}

// splitStatements is a conservative statement splitter for the simple,
// comment-free DDL these migration files contain (no embedded
// semicolons in string literals).
func splitStatements(script string) []string {
	return strings.Split(script, ";")
}
