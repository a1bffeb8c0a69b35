package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// Ключ pg_advisory_lock: несколько реплик с auto-migrate не мигрируют одновременно.
	migrationLockKey = int64(57013822)
	lockTimeout      = 5 * time.Second
)

// Таблица учёта; колонка checksum добавлена позже, поэтому отдельным ALTER.
var migrationTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
}

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

// ErrMigrationDrift - применённая миграция отличается от встроенной (файл изменили после релиза).
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) id() string { return fmt.Sprintf("%04d_%s", m.Version, m.Name) }

// checksum считается по up-скрипту: именно он определяет схему.
func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.UpSQL))
	return hex.EncodeToString(sum[:])
}

// appliedMigration - строка schema_migrations.
type appliedMigration struct {
	Version   int64
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// MigrationState описывает встроенную миграцию и её состояние в базе.
type MigrationState struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Drift - миграция применена, но её up-скрипт с тех пор изменился.
	Drift bool
}

// ID возвращает имя в формате файлов: 0001_orders.
func (s MigrationState) ID() string { return fmt.Sprintf("%04d_%s", s.Version, s.Name) }

// MigrateUp применяет up-миграции; steps=0 - все доступные.
// Перед применением сверяет checksum уже применённых миграций.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает steps последних миграций; steps<=0 означает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationDown, max(steps, 1))
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if err := s.ready(); err != nil {
		return 0, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := ensureMigrationTable(ctx, s.db); err != nil {
		return 0, 0, err
	}
	var (
		version int64
		count   int
	)
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0), COUNT(*)
		FROM schema_migrations
	`).Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, count, nil
}

// Migrations возвращает все встроенные миграции по возрастанию версии с их состоянием.
func (s *Store) Migrations(ctx context.Context) ([]MigrationState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	if err := ensureMigrationTable(ctx, s.db); err != nil {
		return nil, err
	}
	applied, err := loadApplied(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return migrationStates(migrations, applied), nil
}

// PendingMigrations возвращает имена встроенных миграций, ещё не применённых к базе.
func (s *Store) PendingMigrations(ctx context.Context) ([]string, error) {
	states, err := s.Migrations(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]string, 0, len(states))
	for _, st := range states {
		if !st.Applied {
			pending = append(pending, st.ID())
		}
	}
	return pending, nil
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	return nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if err := s.ready(); err != nil {
		return err
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	// Advisory lock живёт на соединении, поэтому вся миграция идёт через один conn.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}

	if direction == migrationDown {
		plan, err := planDown(migrations, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := runMigration(ctx, conn, m, migrationDown); err != nil {
				return err
			}
		}
		return nil
	}

	if err := verifyChecksums(ctx, conn, migrations, applied); err != nil {
		return err
	}
	for _, m := range planUp(migrations, applied, steps) {
		if err := runMigration(ctx, conn, m, migrationUp); err != nil {
			return err
		}
	}
	return nil
}

// planUp возвращает неприменённые миграции по возрастанию версии, не больше steps (0 - все).
func planUp(migrations []migration, applied map[int64]appliedMigration, steps int) []migration {
	var plan []migration
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		plan = append(plan, m)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// planDown возвращает steps последних применённых миграций от новой к старой.
func planDown(migrations []migration, applied map[int64]appliedMigration, steps int) ([]migration, error) {
	byVersion := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	versions := make([]int64, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	slices.SortFunc(versions, func(a, b int64) int { return cmp.Compare(b, a) })
	if steps > 0 && len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]migration, 0, len(versions))
	for _, v := range versions {
		m, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("cannot rollback unknown migration version %d", v)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

func migrationStates(migrations []migration, applied map[int64]appliedMigration) []MigrationState {
	states := make([]MigrationState, 0, len(migrations))
	for _, m := range migrations {
		st := MigrationState{Version: m.Version, Name: m.Name}
		if row, ok := applied[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = row.AppliedAt
			st.Drift = row.Checksum != "" && row.Checksum != m.checksum()
		}
		states = append(states, st)
	}
	return states
}

// verifyChecksums падает на расхождении и дописывает checksum строкам, записанным до его появления.
func verifyChecksums(ctx context.Context, conn *sql.Conn, migrations []migration, applied map[int64]appliedMigration) error {
	for _, m := range migrations {
		row, ok := applied[m.Version]
		if !ok {
			continue
		}
		if row.Checksum == "" {
			if _, err := conn.ExecContext(ctx,
				`UPDATE schema_migrations SET checksum = $2 WHERE version = $1`, m.Version, m.checksum()); err != nil {
				return fmt.Errorf("backfill checksum for %s: %w", m.id(), err)
			}
			continue
		}
		if row.Checksum != m.checksum() {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, m.id())
		}
	}
	return nil
}

// runMigration выполняет скрипт и обновляет schema_migrations в одной транзакции.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, direction migrationDirection) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m.id(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	script := m.UpSQL
	if direction == migrationDown {
		script = m.DownSQL
	}
	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, m.id(), err)
	}

	if direction == migrationUp {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, name, checksum, applied_at)
			VALUES ($1, $2, $3, NOW())
		`, m.Version, m.Name, m.checksum())
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, m.id(), err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.id(), err)
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func ensureMigrationTable(ctx context.Context, db execQuerier) error {
	for _, stmt := range migrationTableDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}
	}
	return nil
}

func loadApplied(ctx context.Context, db execQuerier) (map[int64]appliedMigration, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, name, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedMigration)
	for rows.Next() {
		var row appliedMigration
		if err := rows.Scan(&row.Version, &row.Name, &row.Checksum, &row.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[row.Version] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// loadMigrationsFromFS собирает пары NNNN_name.up.sql / NNNN_name.down.sql из migrationsDir.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		m := migrationFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", entry.Name(), err)
		}
		name, direction := m[2], migrationDirection(m[3])

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		cur, ok := byVersion[version]
		if !ok {
			cur = &migration{Version: version, Name: name}
			byVersion[version] = cur
		}
		if cur.Name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, cur.Name, name)
		}
		target := &cur.UpSQL
		if direction == migrationDown {
			target = &cur.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.id())
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}
