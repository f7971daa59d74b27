package contact

import (
	"context"
	"database/sql"
	"errors"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"reconciler/pkg/platform/sentinel"
	"reconciler/pkg/platform/tx"
)

// SQLiteDialect targets modernc.org/sqlite. Open the database with
// _txlock=immediate so every transaction takes the write lock up front.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Rebind(query string) string { return query }

func (SQLiteDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY,
			email TEXT,
			phone_number TEXT,
			linked_id INTEGER REFERENCES contacts (id),
			link_precedence TEXT NOT NULL CHECK (link_precedence IN ('primary', 'secondary')),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP,
			CHECK (email IS NOT NULL OR phone_number IS NOT NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (email) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_phone_number ON contacts (phone_number) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_linked_id ON contacts (linked_id)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
	}
}

func (SQLiteDialect) TxOptions() *sql.TxOptions { return nil }

// LockKeys is a no-op: an immediate transaction already excludes other writers.
func (SQLiteDialect) LockKeys(context.Context, tx.Querier, []string) error { return nil }

// NextSequence uses the sequences table. With a single writer, a value taken by
// a transaction that rolls back was never visible to anyone else.
func (SQLiteDialect) NextSequence(ctx context.Context, q tx.Querier, name string) (int64, error) {
	var value int64
	err := q.QueryRowContext(ctx, counterUpsert, name).Scan(&value)
	return value, err
}

func (SQLiteDialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return errors.Join(sentinel.ErrUnavailable, err)
	case sqlitelib.SQLITE_CONSTRAINT:
		return errors.Join(sentinel.ErrConflict, err)
	}
	return err
}
