package registry

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var registryMigrations embed.FS

// PostgresEntryStore is an optional durable EntryStore backend,
// demonstrating spec.md §1's "a production deployment may back the
// registry... with durable storage" allowance. Entries are stored as a
// JSONB blob keyed by skill_ref; the transparency log itself stays
// in-process (it is re-derivable from Register/Revoke calls, and nothing
// in spec.md requires surviving a restart with its sequence intact).
type PostgresEntryStore struct {
	db *sqlx.DB
}

// NewPostgresEntryStore opens dsn, runs the embedded schema migration,
// and returns a ready-to-use EntryStore.
func NewPostgresEntryStore(dsn string) (*PostgresEntryStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: connect postgres: %w", err)
	}
	if err := migrateRegistrySchema(db.DB, dsn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: migrate schema: %w", err)
	}
	return &PostgresEntryStore{db: db}, nil
}

func migrateRegistrySchema(db *sql.DB, dsn string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	source, err := iofs.New(registryMigrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PostgresEntryStore) Get(skillRef string) (*Entry, bool) {
	var raw []byte
	err := s.db.Get(&raw, `SELECT entry FROM registry_entries WHERE skill_ref = $1`, skillRef)
	if err != nil {
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (s *PostgresEntryStore) Add(skillRef string, entry *Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = s.db.Exec(`
		INSERT INTO registry_entries (skill_ref, entry)
		VALUES ($1, $2)
		ON CONFLICT (skill_ref) DO UPDATE SET entry = EXCLUDED.entry`,
		skillRef, raw)
}

// Close releases the underlying connection pool.
func (s *PostgresEntryStore) Close() error {
	return s.db.Close()
}
