package contact

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"reconciler/internal/identity/models"
	"reconciler/pkg/platform/sentinel"
)

// InMemoryStore keeps contacts in process memory. Transactions are serialized
// by a single semaphore. Each transaction keeps an undo log of the contacts it
// touched and restores them on error; sequence values are never handed out twice.
type InMemoryStore struct {
	mu        sync.RWMutex
	contacts  map[int64]*models.Contact
	sequences map[string]int64

	txSem chan struct{}
}

type undoLogKey struct{}

// undoLog holds the state of each contact before its first write in a
// transaction. A nil entry means the contact was inserted by the transaction.
type undoLog struct {
	before map[int64]*models.Contact
}

// NewInMemory creates an empty in-memory contact store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		contacts:  make(map[int64]*models.Contact),
		sequences: make(map[string]int64),
		txSem:     make(chan struct{}, 1),
	}
}

// WithinTx runs fn while holding the store's transaction slot. Writes made by
// fn are undone if it returns an error. Nested calls reuse the outer transaction.
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(undoLogKey{}).(*undoLog); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	select {
	case s.txSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("begin tx: %w", ctx.Err())
	}
	defer func() { <-s.txSem }()

	undo := &undoLog{before: make(map[int64]*models.Contact)}
	if err := fn(context.WithValue(ctx, undoLogKey{}, undo)); err != nil {
		s.rollback(undo)
		return err
	}
	return nil
}

// LockKeys is a no-op; WithinTx already serializes writers.
func (s *InMemoryStore) LockKeys(ctx context.Context, _ ...string) error {
	return ctx.Err()
}

// FindByEmailOrPhone returns active contacts matching either value, in id order.
func (s *InMemoryStore) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(c *models.Contact) bool {
		return (email != nil && c.Email != nil && *c.Email == *email) ||
			(phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone)
	}), nil
}

// FindByID returns the active contact with id.
func (s *InMemoryStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.IsDeleted() {
		return nil, fmt.Errorf("contact %d: %w", id, sentinel.ErrNotFound)
	}
	return c.Clone(), nil
}

// FindGroup returns the active primary and its active secondaries, in id order.
func (s *InMemoryStore) FindGroup(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(c *models.Contact) bool {
		return c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID)
	}), nil
}

// Insert assigns the next contact id and stores a copy of c.
func (s *InMemoryStore) Insert(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := s.NextSequence(ctx, SequenceContactID)
	if err != nil {
		return nil, err
	}
	stored := c.Clone()
	stored.ID = id
	stampCreate(stored)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remember(ctx, id)
	s.contacts[id] = stored
	return stored.Clone(), nil
}

// Update persists precedence, link and updated_at of an active contact.
func (s *InMemoryStore) Update(ctx context.Context, c *models.Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contacts[c.ID]
	if !ok || existing.IsDeleted() {
		return fmt.Errorf("update contact %d: %w", c.ID, sentinel.ErrNotFound)
	}
	s.remember(ctx, c.ID)
	next := c.Clone()
	existing.LinkPrecedence = next.LinkPrecedence
	existing.LinkedID = next.LinkedID
	existing.UpdatedAt = next.UpdatedAt
	return nil
}

// Relink points every secondary of fromPrimaryID, deleted or not, at toPrimaryID.
func (s *InMemoryStore) Relink(ctx context.Context, fromPrimaryID, toPrimaryID int64, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.contacts {
		if c.LinkedID != nil && *c.LinkedID == fromPrimaryID {
			s.remember(ctx, c.ID)
			to := toPrimaryID
			c.LinkedID = &to
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// NextSequence increments and returns the named counter. Values are not
// returned to the counter when a transaction rolls back.
func (s *InMemoryStore) NextSequence(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[name]++
	return s.sequences[name], nil
}

// SoftDelete marks an active contact deleted.
func (s *InMemoryStore) SoftDelete(ctx context.Context, id int64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.IsDeleted() {
		return fmt.Errorf("delete contact %d: %w", id, sentinel.ErrNotFound)
	}
	s.remember(ctx, id)
	c.SoftDelete(now)
	return nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}

// collect returns clones of active contacts matching keep, ordered by id.
// Must be called while holding s.mu.
func (s *InMemoryStore) collect(keep func(*models.Contact) bool) []*models.Contact {
	out := make([]*models.Contact, 0)
	for _, c := range s.contacts {
		if c.IsDeleted() || !keep(c) {
			continue
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Contact) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// remember records id's current state in ctx's undo log, once per transaction.
// Must be called while holding s.mu and before the write.
func (s *InMemoryStore) remember(ctx context.Context, id int64) {
	undo, ok := ctx.Value(undoLogKey{}).(*undoLog)
	if !ok {
		return
	}
	if _, seen := undo.before[id]; seen {
		return
	}
	undo.before[id] = s.contacts[id].Clone()
}

func (s *InMemoryStore) rollback(undo *undoLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, prev := range undo.before {
		if prev == nil {
			delete(s.contacts, id)
			continue
		}
		s.contacts[id] = prev
	}
}
