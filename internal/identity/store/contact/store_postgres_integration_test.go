//go:build integration

package contact_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"reconciler/internal/identity/models"
	"reconciler/internal/identity/store/contact"
	"reconciler/pkg/testutil/containers"
)

func newPostgresStore(t *testing.T) *contact.SQLStore {
	t.Helper()
	ctx := context.Background()
	pg := containers.GetManager().GetPostgres(t)
	store := contact.NewPostgres(pg.DB)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, pg.TruncateTables(ctx, "contacts", "sequences"))
	return store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T) contactStore {
		return newPostgresStore(t)
	}})
}

// TestAdvisoryLocksSerializeOverlappingKeys verifies that a second transaction
// locking an overlapping key waits for the first to commit.
func TestAdvisoryLocksSerializeOverlappingKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := newPostgresStore(t)
	ctx := context.Background()

	holding := make(chan struct{})
	var (
		wg        sync.WaitGroup
		firstDone time.Time
		secondGot time.Time
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		err := store.WithinTx(ctx, func(ctx context.Context) error {
			if err := store.LockKeys(ctx, "email:a@x.com", "phone:1"); err != nil {
				return err
			}
			close(holding)
			time.Sleep(200 * time.Millisecond)
			firstDone = time.Now()
			return nil
		})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		<-holding
		err := store.WithinTx(ctx, func(ctx context.Context) error {
			if err := store.LockKeys(ctx, "phone:1"); err != nil {
				return err
			}
			secondGot = time.Now()
			return nil
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.False(t, secondGot.Before(firstDone), "second lock must wait for the first commit")
}

func TestPostgresContactIDsAreNeverReused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var rolledBack int64
	err := store.WithinTx(ctx, func(ctx context.Context) error {
		c, err := models.NewPrimary(ptr("gone@x.com"), nil, now)
		require.NoError(t, err)
		created, err := store.Insert(ctx, c)
		require.NoError(t, err)
		rolledBack = created.ID
		return errors.New("abort")
	})
	require.Error(t, err)

	c, err := models.NewPrimary(ptr("kept@x.com"), nil, now)
	require.NoError(t, err)
	created, err := store.Insert(ctx, c)
	require.NoError(t, err)
	assert.Greater(t, created.ID, rolledBack)
}

func TestPostgresSchemaCatchesSequenceUpWithExistingRows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store := newPostgresStore(t)
	ctx := context.Background()
	pg := containers.GetManager().GetPostgres(t)

	require.NoError(t, pg.Exec(ctx, `INSERT INTO contacts (id, email, link_precedence, created_at, updated_at)
		VALUES (41, 'legacy@x.com', 'primary', now(), now())`))
	require.NoError(t, store.EnsureSchema(ctx))

	c, err := models.NewPrimary(ptr("fresh@x.com"), nil, time.Now())
	require.NoError(t, err)
	created, err := store.Insert(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(42), created.ID)
}
