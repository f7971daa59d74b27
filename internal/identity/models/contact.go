package models

import (
	"time"

	dErrors "reconciler/pkg/domain-errors"
)

// LinkPrecedence marks a contact as the canonical record of its identity or
// as additional evidence linked to one.
type LinkPrecedence string

const (
	PrecedencePrimary   LinkPrecedence = "primary"
	PrecedenceSecondary LinkPrecedence = "secondary"
)

// IsValid reports whether p is a known precedence.
func (p LinkPrecedence) IsValid() bool {
	return p == PrecedencePrimary || p == PrecedenceSecondary
}

// Contact is one stored fragment of a customer identity.
//
// Invariants:
//   - at least one of Email and PhoneNumber is set
//   - a primary has no LinkedID; a secondary always has one
//   - ID never changes once assigned by the store
type Contact struct {
	ID             int64          `json:"id"`
	Email          *string        `json:"email"`
	PhoneNumber    *string        `json:"phoneNumber"`
	LinkedID       *int64         `json:"linkedId"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// NewPrimary builds an unsaved primary contact. The store assigns the ID.
func NewPrimary(email, phone *string, now time.Time) (*Contact, error) {
	if isBlank(email) && isBlank(phone) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contact requires an email or a phone number")
	}
	return &Contact{
		Email:          nonBlank(email),
		PhoneNumber:    nonBlank(phone),
		LinkPrecedence: PrecedencePrimary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// NewSecondary builds an unsaved secondary linked to primaryID.
func NewSecondary(email, phone *string, primaryID int64, now time.Time) (*Contact, error) {
	if isBlank(email) && isBlank(phone) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contact requires an email or a phone number")
	}
	if primaryID <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "secondary contact requires a primary id")
	}
	return &Contact{
		Email:          nonBlank(email),
		PhoneNumber:    nonBlank(phone),
		LinkedID:       &primaryID,
		LinkPrecedence: PrecedenceSecondary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// IsPrimary reports whether c is the canonical record of its identity.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == PrecedencePrimary
}

// IsDeleted reports whether c has been soft-deleted.
func (c *Contact) IsDeleted() bool {
	return c.DeletedAt != nil
}

// PrimaryID returns the id of the primary that owns c.
func (c *Contact) PrimaryID() int64 {
	if c.IsPrimary() || c.LinkedID == nil {
		return c.ID
	}
	return *c.LinkedID
}

// DemoteTo turns a primary into a secondary of survivorID.
func (c *Contact) DemoteTo(survivorID int64, now time.Time) error {
	if !c.IsPrimary() {
		return dErrors.New(dErrors.CodeInvariantViolation, "only a primary contact can be demoted")
	}
	if survivorID == c.ID {
		return dErrors.New(dErrors.CodeInvariantViolation, "contact cannot be linked to itself")
	}
	c.LinkPrecedence = PrecedenceSecondary
	c.LinkedID = &survivorID
	c.UpdatedAt = now
	return nil
}

// Promote turns a secondary into the primary of its identity.
func (c *Contact) Promote(now time.Time) error {
	if c.IsPrimary() {
		return dErrors.New(dErrors.CodeInvariantViolation, "contact is already primary")
	}
	c.LinkPrecedence = PrecedencePrimary
	c.LinkedID = nil
	c.UpdatedAt = now
	return nil
}

// SoftDelete marks c deleted at now.
func (c *Contact) SoftDelete(now time.Time) {
	c.DeletedAt = &now
	c.UpdatedAt = now
}

// OlderThan orders primaries for merge survival: earlier CreatedAt wins, lower ID breaks ties.
func (c *Contact) OlderThan(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// EmailValue returns the email or "".
func (c *Contact) EmailValue() string {
	return deref(c.Email)
}

// PhoneValue returns the phone number or "".
func (c *Contact) PhoneValue() string {
	return deref(c.PhoneNumber)
}

// Clone returns a deep copy of c.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	if c.Email != nil {
		v := *c.Email
		out.Email = &v
	}
	if c.PhoneNumber != nil {
		v := *c.PhoneNumber
		out.PhoneNumber = &v
	}
	if c.LinkedID != nil {
		v := *c.LinkedID
		out.LinkedID = &v
	}
	if c.DeletedAt != nil {
		v := *c.DeletedAt
		out.DeletedAt = &v
	}
	return &out
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}

func nonBlank(s *string) *string {
	if isBlank(s) {
		return nil
	}
	v := *s
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
