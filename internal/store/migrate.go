// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package store

import (
	"embed"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	// Register pgx/v5 database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	allVersionsOnce sync.Once
	allVersions     []uint
	allVersionsErr  error
)

// migrateIface is the subset of golang-migrate's *migrate.Migrate that
// Migrator depends on, narrow enough to fake in tests without a database.
type migrateIface interface {
	Up() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// Migrator applies the embedded schema migrations against a running
// PostgreSQL database. Not safe for concurrent use; each cmd/sequentd
// invocation builds its own instance.
type Migrator struct {
	m migrateIface
}

// NewMigrator builds a Migrator backed by the embedded migrations/*.sql
// source. databaseURL accepts postgres:// or postgresql://, rewritten to
// pgx5:// for golang-migrate's pgx/v5 driver.
func NewMigrator(databaseURL string) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_SOURCE_FAILED").Wrap(err)
	}

	migrateURL := databaseURL
	if rest, found := strings.CutPrefix(databaseURL, "postgres://"); found {
		migrateURL = "pgx5://" + rest
	} else if rest, found := strings.CutPrefix(databaseURL, "postgresql://"); found {
		migrateURL = "pgx5://" + rest
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		_ = source.Close()
		return nil, oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}

	return &Migrator{m: m}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_UP_FAILED").Wrap(err)
	}
	return nil
}

// Steps applies n migrations; positive moves up, negative moves down.
// cmd/sequentd's --down flag calls Steps(-1) rather than Down, since a
// full rollback of a durable event store is not an operation the CLI
// should offer casually.
func (m *Migrator) Steps(n int) error {
	if err := m.m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code("MIGRATION_STEPS_FAILED").With("steps", n).Wrap(err)
	}
	return nil
}

// Version returns the current migration version and dirty state. A fresh
// database (no migrations applied) reports version 0, dirty false.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, oops.Code("MIGRATION_VERSION_FAILED").Wrap(err)
	}
	return version, dirty, nil
}

// Close releases the migrator's source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr != nil && dbErr != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").With("component", "both").
			Errorf("source: %v; database: %v", srcErr, dbErr)
	}
	if srcErr != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").With("component", "source").Wrap(srcErr)
	}
	if dbErr != nil {
		return oops.Code("MIGRATION_CLOSE_FAILED").With("component", "database").Wrap(dbErr)
	}
	return nil
}

// PendingMigrations returns the migration versions that would be applied
// by Up, in ascending order. cmd/sequentd migrate prints this list before
// applying it, and reports an up-to-date schema when it is empty.
func (m *Migrator) PendingMigrations() ([]uint, error) {
	current, _, err := m.Version()
	if err != nil {
		return nil, oops.With("operation", "list pending migrations").Wrap(err)
	}

	versions, err := embeddedMigrationVersions()
	if err != nil {
		return nil, oops.With("operation", "list pending migrations").Wrap(err)
	}

	var pending []uint
	for _, v := range versions {
		if v > current {
			pending = append(pending, v)
		}
	}
	return pending, nil
}

// embeddedMigrationVersions returns every version present in the embedded
// migrations directory, sorted ascending. The embedded FS is immutable at
// runtime, so the result is computed once and cached.
func embeddedMigrationVersions() ([]uint, error) {
	allVersionsOnce.Do(func() {
		allVersions, allVersionsErr = readMigrationVersions()
	})
	if allVersionsErr != nil {
		return nil, allVersionsErr
	}
	out := make([]uint, len(allVersions))
	copy(out, allVersions)
	return out, nil
}

func readMigrationVersions() ([]uint, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, oops.Code("MIGRATION_LIST_FAILED").Wrap(err)
	}

	seen := make(map[uint]struct{})
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".up.sql")
		if !ok {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		version, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		seen[uint(version)] = struct{}{}
	}

	versions := make([]uint, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
