package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"reconciler/internal/identity/models"
	"reconciler/pkg/platform/sentinel"
	"reconciler/pkg/platform/tx"
)

// Dialect isolates what differs between the SQL backends.
type Dialect interface {
	Name() string
	// Rebind rewrites ? placeholders into the driver's syntax.
	Rebind(query string) string
	Schema() []string
	TxOptions() *sql.TxOptions
	// LockKeys serializes transactions on the given keys until commit.
	LockKeys(ctx context.Context, q tx.Querier, keys []string) error
	// NextSequence increments and returns the named counter.
	NextSequence(ctx context.Context, q tx.Querier, name string) (int64, error)
	// Classify maps driver errors onto sentinel facts.
	Classify(err error) error
}

// SQLStore persists contacts in a SQL database. It is pure I/O; resolution
// rules live in the service.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL constructs a SQL-backed contact store for dialect.
func NewSQL(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewPostgres constructs a PostgreSQL-backed contact store.
func NewPostgres(db *sql.DB) *SQLStore {
	return NewSQL(db, PostgresDialect{})
}

// NewSQLite constructs a SQLite-backed contact store.
func NewSQLite(db *sql.DB) *SQLStore {
	return NewSQL(db, SQLiteDialect{})
}

const contactColumns = `id, email, phone_number, linked_id, link_precedence, created_at, updated_at, deleted_at`

// activeContacts is the base query every read goes through.
const activeContacts = `SELECT ` + contactColumns + ` FROM contacts WHERE deleted_at IS NULL`

// EnsureSchema creates tables and indexes if they are missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s schema: %w", s.dialect.Name(), err)
		}
	}
	return nil
}

// WithinTx runs fn inside a transaction carried on ctx. Nested calls reuse
// the outer transaction.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := tx.From(ctx); ok {
		return fn(ctx)
	}

	sqlTx, err := s.db.BeginTx(ctx, s.dialect.TxOptions())
	if err != nil {
		return fmt.Errorf("begin tx: %w", s.dialect.Classify(err))
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(tx.WithTx(ctx, sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", s.dialect.Classify(err))
	}
	return nil
}

// LockKeys takes transaction scoped locks on keys in sorted order.
func (s *SQLStore) LockKeys(ctx context.Context, keys ...string) error {
	q, ok := tx.From(ctx)
	if !ok {
		return fmt.Errorf("lock keys: no transaction in context")
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if err := s.dialect.LockKeys(ctx, q, sorted); err != nil {
		return fmt.Errorf("lock keys: %w", s.dialect.Classify(err))
	}
	return nil
}

// FindByEmailOrPhone returns active contacts matching either value, in id order.
func (s *SQLStore) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	var (
		clauses string
		args    []any
	)
	switch {
	case email != nil && phone != nil:
		clauses = `(email = ? OR phone_number = ?)`
		args = []any{*email, *phone}
	case email != nil:
		clauses = `email = ?`
		args = []any{*email}
	case phone != nil:
		clauses = `phone_number = ?`
		args = []any{*phone}
	default:
		return []*models.Contact{}, nil
	}

	query := activeContacts + ` AND ` + clauses + ` ORDER BY id`
	contacts, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find contacts by email or phone: %w", err)
	}
	return contacts, nil
}

// FindByID returns the active contact with id.
func (s *SQLStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	query := s.dialect.Rebind(activeContacts + ` AND id = ?`)
	c, err := scanContact(tx.Conn(ctx, s.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact %d: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find contact by id: %w", s.dialect.Classify(err))
	}
	return c, nil
}

// FindGroup returns the active primary and its active secondaries, in id order.
func (s *SQLStore) FindGroup(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	query := activeContacts + ` AND (id = ? OR linked_id = ?) ORDER BY id`
	contacts, err := s.query(ctx, query, primaryID, primaryID)
	if err != nil {
		return nil, fmt.Errorf("find contact group: %w", err)
	}
	return contacts, nil
}

// Insert draws the next contact id from the sequence table and inserts c.
func (s *SQLStore) Insert(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	id, err := s.NextSequence(ctx, SequenceContactID)
	if err != nil {
		return nil, err
	}
	stored := c.Clone()
	stored.ID = id
	stampCreate(stored)

	query := s.dialect.Rebind(`
		INSERT INTO contacts (id, email, phone_number, linked_id, link_precedence, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = tx.Conn(ctx, s.db).ExecContext(ctx, query,
		stored.ID,
		nullString(stored.Email),
		nullString(stored.PhoneNumber),
		nullInt64(stored.LinkedID),
		string(stored.LinkPrecedence),
		stored.CreatedAt.UTC(),
		stored.UpdatedAt.UTC(),
		nullTimeArg(stored.DeletedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert contact: %w", s.dialect.Classify(err))
	}
	return stored, nil
}

// Update persists precedence, link and updated_at of an active contact.
func (s *SQLStore) Update(ctx context.Context, c *models.Contact) error {
	query := s.dialect.Rebind(`
		UPDATE contacts
		SET link_precedence = ?, linked_id = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`)
	result, err := tx.Conn(ctx, s.db).ExecContext(ctx, query,
		string(c.LinkPrecedence),
		nullInt64(c.LinkedID),
		c.UpdatedAt.UTC(),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", s.dialect.Classify(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contact rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update contact %d: %w", c.ID, sentinel.ErrNotFound)
	}
	return nil
}

// Relink points every secondary of fromPrimaryID, deleted or not, at toPrimaryID.
func (s *SQLStore) Relink(ctx context.Context, fromPrimaryID, toPrimaryID int64, now time.Time) (int, error) {
	query := s.dialect.Rebind(`UPDATE contacts SET linked_id = ?, updated_at = ? WHERE linked_id = ?`)
	result, err := tx.Conn(ctx, s.db).ExecContext(ctx, query, toPrimaryID, now.UTC(), fromPrimaryID)
	if err != nil {
		return 0, fmt.Errorf("relink contacts: %w", s.dialect.Classify(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("relink contacts rows affected: %w", err)
	}
	return int(rows), nil
}

// NextSequence atomically increments and returns the named counter.
func (s *SQLStore) NextSequence(ctx context.Context, name string) (int64, error) {
	value, err := s.dialect.NextSequence(ctx, tx.Conn(ctx, s.db), name)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", name, s.dialect.Classify(err))
	}
	return value, nil
}

// counterUpsert increments a row of the sequences table. The increment is part
// of the surrounding transaction.
const counterUpsert = `
	INSERT INTO sequences (name, value) VALUES (?, 1)
	ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
	RETURNING value
`

// SoftDelete marks an active contact deleted.
func (s *SQLStore) SoftDelete(ctx context.Context, id int64, now time.Time) error {
	query := s.dialect.Rebind(`UPDATE contacts SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)
	result, err := tx.Conn(ctx, s.db).ExecContext(ctx, query, now.UTC(), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("soft delete contact: %w", s.dialect.Classify(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete contact rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete contact %d: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.dialect.Classify(err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := tx.Conn(ctx, s.db).QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, s.dialect.Classify(err)
	}
	defer rows.Close()

	contacts := make([]*models.Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.Classify(err)
	}
	return contacts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var (
		c          models.Contact
		email      sql.NullString
		phone      sql.NullString
		linkedID   sql.NullInt64
		precedence string
		createdAt  nullTime
		updatedAt  nullTime
		deletedAt  nullTime
	)
	if err := row.Scan(&c.ID, &email, &phone, &linkedID, &precedence, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if email.Valid {
		c.Email = &email.String
	}
	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if linkedID.Valid {
		c.LinkedID = &linkedID.Int64
	}
	c.LinkPrecedence = models.LinkPrecedence(precedence)
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTimeArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
