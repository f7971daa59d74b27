package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconciler/internal/identity/models"
)

func TestFromResolution(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	identity := &models.ConsolidatedIdentity{
		PrimaryContactID:    1,
		Emails:              []string{"a@x.com"},
		PhoneNumbers:        []string{"111"},
		SecondaryContactIDs: []int64{2},
	}

	t.Run("nothing written yields no event", func(t *testing.T) {
		_, ok := FromResolution(&models.Resolution{Identity: identity, Outcome: models.OutcomeMatched}, "req", at)
		assert.False(t, ok)

		_, ok = FromResolution(nil, "req", at)
		assert.False(t, ok)
	})

	t.Run("new primary is contact.created", func(t *testing.T) {
		created := &models.Contact{ID: 1, LinkPrecedence: models.PrecedencePrimary}
		evt, ok := FromResolution(&models.Resolution{Identity: identity, Created: created}, "req-1", at)
		require.True(t, ok)

		assert.Equal(t, TypeContactCreated, evt.Type)
		assert.Equal(t, int64(1), evt.ContactID)
		assert.Equal(t, "req-1", evt.RequestID)
		assert.Equal(t, at, evt.OccurredAt)
		assert.NotEmpty(t, evt.ID)
		assert.Equal(t, "1", evt.Key())
	})

	t.Run("new secondary is contact.linked", func(t *testing.T) {
		linked := int64(1)
		created := &models.Contact{ID: 2, LinkedID: &linked, LinkPrecedence: models.PrecedenceSecondary}
		evt, ok := FromResolution(&models.Resolution{Identity: identity, Created: created}, "", at)
		require.True(t, ok)
		assert.Equal(t, TypeContactLinked, evt.Type)
		assert.Equal(t, int64(2), evt.ContactID)
	})

	t.Run("demotions make it identity.merged", func(t *testing.T) {
		evt, ok := FromResolution(&models.Resolution{Identity: identity, Demoted: []int64{5}}, "", at)
		require.True(t, ok)
		assert.Equal(t, TypeIdentityMerged, evt.Type)
		assert.Equal(t, []int64{5}, evt.DemotedContactIDs)
		assert.Zero(t, evt.ContactID)
	})
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), IdentityEvent{ID: "1"}))
	require.NoError(t, r.Publish(context.Background(), IdentityEvent{ID: "2"}))
	assert.Len(t, r.Events(), 2)

	r.Err = errors.New("broker down")
	assert.Error(t, r.Publish(context.Background(), IdentityEvent{ID: "3"}))
	assert.Len(t, r.Events(), 2)
}

func TestNoopPublisher(t *testing.T) {
	assert.NoError(t, NoopPublisher{}.Publish(context.Background(), IdentityEvent{}))
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "identity.events")
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}
