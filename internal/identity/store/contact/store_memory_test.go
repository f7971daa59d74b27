package contact_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconciler/internal/identity/models"
	"reconciler/internal/identity/store/contact"
)

func TestInMemoryStoreNeverReusesRolledBackIDs(t *testing.T) {
	store := contact.NewInMemory()
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

	_, err = store.FindByID(ctx, rolledBack)
	assert.Error(t, err)

	c, err := models.NewPrimary(ptr("kept@x.com"), nil, now)
	require.NoError(t, err)
	created, err := store.Insert(ctx, c)
	require.NoError(t, err)
	assert.Greater(t, created.ID, rolledBack)
}

func TestInMemoryStoreNestedTxSharesRollback(t *testing.T) {
	store := contact.NewInMemory()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := store.WithinTx(ctx, func(ctx context.Context) error {
		inner := store.WithinTx(ctx, func(ctx context.Context) error {
			c, err := models.NewPrimary(ptr("nested@x.com"), nil, now)
			if err != nil {
				return err
			}
			_, err = store.Insert(ctx, c)
			return err
		})
		require.NoError(t, inner)
		return errors.New("abort")
	})
	require.Error(t, err)

	found, err := store.FindByEmailOrPhone(ctx, ptr("nested@x.com"), nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}
