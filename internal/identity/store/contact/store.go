// Package contact persists contacts for identity resolution. Every query
// excludes soft-deleted rows.
package contact

import (
	"time"

	"reconciler/internal/identity/models"
)

// SequenceContactID names the counter contact ids are drawn from.
const SequenceContactID = "contact_id"

func stampCreate(c *models.Contact) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
}
