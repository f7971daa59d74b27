// Package events publishes identity change notifications.
package events

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"reconciler/internal/identity/models"
)

// Type names an identity event.
type Type string

const (
	TypeContactCreated Type = "contact.created"
	TypeContactLinked  Type = "contact.linked"
	TypeIdentityMerged Type = "identity.merged"
)

// IdentityEvent describes one resolution that changed stored contacts.
type IdentityEvent struct {
	ID                  string    `json:"id"`
	Type                Type      `json:"type"`
	PrimaryContactID    int64     `json:"primaryContactId"`
	ContactID           int64     `json:"contactId,omitempty"`
	DemotedContactIDs   []int64   `json:"demotedContactIds,omitempty"`
	Emails              []string  `json:"emails"`
	PhoneNumbers        []string  `json:"phoneNumbers"`
	SecondaryContactIDs []int64   `json:"secondaryContactIds"`
	RequestID           string    `json:"requestId,omitempty"`
	OccurredAt          time.Time `json:"occurredAt"`
}

// Key is the partition key: events for one identity stay ordered.
func (e IdentityEvent) Key() string {
	return strconv.FormatInt(e.PrimaryContactID, 10)
}

// FromResolution builds the event for res. ok is false when res wrote nothing.
func FromResolution(res *models.Resolution, requestID string, at time.Time) (IdentityEvent, bool) {
	if res == nil || res.Identity == nil || !res.Wrote() {
		return IdentityEvent{}, false
	}

	evt := IdentityEvent{
		ID:                  uuid.NewString(),
		PrimaryContactID:    res.Identity.PrimaryContactID,
		DemotedContactIDs:   res.Demoted,
		Emails:              res.Identity.Emails,
		PhoneNumbers:        res.Identity.PhoneNumbers,
		SecondaryContactIDs: res.Identity.SecondaryContactIDs,
		RequestID:           requestID,
		OccurredAt:          at.UTC(),
	}
	if res.Created != nil {
		evt.ContactID = res.Created.ID
	}

	switch {
	case len(res.Demoted) > 0:
		evt.Type = TypeIdentityMerged
	case res.Created != nil && res.Created.IsPrimary():
		evt.Type = TypeContactCreated
	default:
		evt.Type = TypeContactLinked
	}
	return evt, true
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, IdentityEvent) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []IdentityEvent
	Err    error
}

// Publish records evt, or returns Err when set.
func (r *Recorder) Publish(_ context.Context, evt IdentityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []IdentityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]IdentityEvent, len(r.events))
	copy(out, r.events)
	return out
}
