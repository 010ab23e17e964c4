package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migrationsTable records applied migration ids.
const migrationsTable = "toolflow_schema_migrations"

// Migration is one embedded schema change, identified by its file prefix
// (e.g. "001_tool_calls").
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a migration recorded in the database.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded migrations of one dialect.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
}

// NewMigrator creates a migrator backed by db.
func NewMigrator(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	migrations, err := loadMigrations(dialect)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: dialect, migrations: migrations}, nil
}

// Migrator returns a migrator for the store's database.
func (s *SQLStore) Migrator() (*Migrator, error) {
	return NewMigrator(s.db, s.dialect)
}

// Migrations lists the embedded migrations in apply order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// EnsureSchema creates the bookkeeping table if needed.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	appliedAt := "TIMESTAMPTZ NOT NULL DEFAULT now()"
	if m.dialect == DialectSQLite {
		appliedAt = "TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP"
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, applied_at %s)", migrationsTable, appliedAt)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", migrationsTable, err)
	}
	return nil
}

// Status returns applied migrations in id order and the pending ones in
// apply order.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.ID] = true
	}
	pending := []Migration{}
	for _, mig := range m.migrations {
		if !done[mig.ID] {
			pending = append(pending, mig)
		}
	}
	return applied, pending, nil
}

// Up applies pending migrations, all of them when steps <= 0. It returns
// the ids applied before any failure.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	ids := []string{}
	for _, mig := range pending {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return ids, fmt.Errorf("migration %s has no up script", mig.ID)
		}
		record := fmt.Sprintf("INSERT INTO %s (id) VALUES (?)", migrationsTable)
		if err := m.exec(ctx, mig.UpSQL, record, mig.ID); err != nil {
			return ids, fmt.Errorf("apply migration %s: %w", mig.ID, err)
		}
		ids = append(ids, mig.ID)
	}
	return ids, nil
}

// Down rolls back the last steps applied migrations, newest first. At least
// one is rolled back.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	ids := []string{}
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		id := applied[i].ID
		mig, ok := m.lookup(id)
		if !ok {
			return ids, fmt.Errorf("applied migration %s is not embedded in this build", id)
		}
		if strings.TrimSpace(mig.DownSQL) == "" {
			return ids, fmt.Errorf("migration %s has no down script", id)
		}
		record := fmt.Sprintf("DELETE FROM %s WHERE id = ?", migrationsTable)
		if err := m.exec(ctx, mig.DownSQL, record, id); err != nil {
			return ids, fmt.Errorf("rollback migration %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// exec runs script and its bookkeeping statement in one transaction.
func (m *Migrator) exec(ctx context.Context, script, record, id string) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, m.dialect.rebind(record), id); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT id, applied_at FROM %s ORDER BY id", migrationsTable))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", migrationsTable, err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			entry AppliedMigration
			at    dbTime
		)
		if err := rows.Scan(&entry.ID, &at); err != nil {
			return nil, fmt.Errorf("scan %s: %w", migrationsTable, err)
		}
		entry.AppliedAt = at.Time
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (m *Migrator) lookup(id string) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.ID == id {
			return mig, true
		}
	}
	return Migration{}, false
}

// loadMigrations reads migrations/<dialect>/<id>.{up,down}.sql sorted by id.
func loadMigrations(dialect Dialect) ([]Migration, error) {
	dir := path.Join("migrations", string(dialect))
	files, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q: %w", dialect, err)
	}

	byID := map[string]*Migration{}
	for _, f := range files {
		id, up, ok := parseMigrationName(f.Name())
		if !ok {
			continue
		}
		data, err := migrationsFS.ReadFile(path.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", f.Name(), err)
		}
		mig := byID[id]
		if mig == nil {
			mig = &Migration{ID: id}
			byID[id] = mig
		}
		if up {
			mig.UpSQL = string(data)
		} else {
			mig.DownSQL = string(data)
		}
	}
	if len(byID) == 0 {
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}

	migrations := make([]Migration, 0, len(byID))
	for _, mig := range byID {
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}

func parseMigrationName(name string) (id string, up bool, ok bool) {
	if id, ok = strings.CutSuffix(name, ".up.sql"); ok {
		return id, true, true
	}
	if id, ok = strings.CutSuffix(name, ".down.sql"); ok {
		return id, false, true
	}
	return "", false, false
}
