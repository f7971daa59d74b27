package contact

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"reconciler/pkg/platform/sentinel"
	"reconciler/pkg/platform/tx"
)

// PostgreSQL error codes the store reacts to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgTooManyConnections   = "53300"
	pgAdminShutdown        = "57P01"
)

// nativeSequences maps counter names onto PostgreSQL sequences. nextval is not
// transactional, so values are never reused and concurrent inserts do not queue
// on a counter row.
var nativeSequences = map[string]string{
	SequenceContactID: "contact_id_seq",
}

// PostgresDialect targets PostgreSQL through lib/pq.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

// Rebind turns ? placeholders into $1, $2, ...
func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (PostgresDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id BIGINT PRIMARY KEY,
			email TEXT,
			phone_number TEXT,
			linked_id BIGINT REFERENCES contacts (id),
			link_precedence TEXT NOT NULL CHECK (link_precedence IN ('primary', 'secondary')),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ,
			CHECK (email IS NOT NULL OR phone_number IS NOT NULL)
		)`,
		`CREATE SEQUENCE IF NOT EXISTS contact_id_seq OWNED BY contacts.id`,
		`SELECT setval('contact_id_seq', t.max_id)
		FROM (SELECT MAX(id) AS max_id FROM contacts) t
		WHERE t.max_id >= (SELECT last_value FROM contact_id_seq)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (email) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_phone_number ON contacts (phone_number) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_linked_id ON contacts (linked_id)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
	}
}

func (PostgresDialect) TxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

// LockKeys takes one advisory lock per key, released at commit or rollback.
func (PostgresDialect) LockKeys(ctx context.Context, q tx.Querier, keys []string) error {
	for _, key := range keys {
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence draws from a native sequence when name has one and falls back to
// the sequences table otherwise.
func (d PostgresDialect) NextSequence(ctx context.Context, q tx.Querier, name string) (int64, error) {
	var value int64
	if seq, ok := nativeSequences[name]; ok {
		err := q.QueryRowContext(ctx, `SELECT nextval($1::regclass)`, seq).Scan(&value)
		return value, err
	}
	err := q.QueryRowContext(ctx, d.Rebind(counterUpsert), name).Scan(&value)
	return value, err
}

func (PostgresDialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return errors.Join(sentinel.ErrConflict, err)
		case pgLockNotAvailable, pgTooManyConnections, pgAdminShutdown:
			return errors.Join(sentinel.ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return errors.Join(sentinel.ErrUnavailable, err)
	}
	return err
}
