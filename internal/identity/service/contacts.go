package service

import (
	"context"
	"errors"
	"time"

	"reconciler/internal/identity/models"
	dErrors "reconciler/pkg/domain-errors"
	"reconciler/pkg/platform/sentinel"
	"reconciler/pkg/requestcontext"
)

// View returns the consolidated identity owning contactID.
func (s *Service) View(ctx context.Context, contactID int64) (*models.ConsolidatedIdentity, error) {
	ctx, span := s.tracer.Start(ctx, "identity.View")
	defer span.End()

	var identity *models.ConsolidatedIdentity
	err := s.withRetry(ctx, "view", func(ctx context.Context) error {
		c, err := s.store.FindByID(ctx, contactID)
		if err != nil {
			return err
		}

		ownerID := c.ID
		if !c.IsPrimary() {
			p, err := s.primaryOf(ctx, s.store, c, make(map[int64]*models.Contact))
			switch {
			case err == nil:
				ownerID = p.ID
			case errors.Is(err, sentinel.ErrNotFound):
				s.metrics.IncrementFallbacks()
				s.logger.WarnContext(ctx, "linked primary not found, viewing contact as its own group",
					"request_id", requestcontext.RequestID(ctx),
					"contact_id", c.ID,
				)
			default:
				return err
			}
		}

		group, err := s.store.FindGroup(ctx, ownerID)
		if err != nil {
			return err
		}
		identity = aggregate(ownerID, group).view(nil, nil)
		return nil
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "contact not found")
		}
		return nil, translate(ctx, err, "failed to load contact")
	}
	return identity, nil
}

// Delete soft-deletes a contact. Deleting a primary promotes its oldest live
// secondary and relinks the other secondaries to it, so the identity keeps one
// primary.
func (s *Service) Delete(ctx context.Context, contactID int64) error {
	ctx, span := s.tracer.Start(ctx, "identity.Delete")
	defer span.End()

	now := requestcontext.Now(ctx)
	var successor *models.Contact
	err := s.withRetry(ctx, "delete", func(ctx context.Context) error {
		successor = nil
		return s.tx.RunInTx(ctx, func(ctx context.Context, store Store) error {
			if err := store.LockKeys(ctx, contactKey(contactID)); err != nil {
				return err
			}
			c, err := store.FindByID(ctx, contactID)
			if err != nil {
				return err
			}
			if c.IsPrimary() {
				successor, err = s.handOver(ctx, store, c, now)
				if err != nil {
					return err
				}
			}
			return store.SoftDelete(ctx, contactID, now)
		})
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "contact not found")
		}
		return translate(ctx, err, "failed to delete contact")
	}

	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"contact_id", contactID,
	}
	if successor != nil {
		attrs = append(attrs, "primary_contact_id", successor.ID)
	}
	s.logger.InfoContext(ctx, "contact soft-deleted", attrs...)
	return nil
}

// handOver promotes the oldest live secondary of primary and relinks every
// other secondary to it. It returns nil when primary has no live secondaries.
func (s *Service) handOver(ctx context.Context, store Store, primary *models.Contact, now time.Time) (*models.Contact, error) {
	group, err := store.FindGroup(ctx, primary.ID)
	if err != nil {
		return nil, err
	}
	var successor *models.Contact
	for _, c := range group {
		if c.ID == primary.ID {
			continue
		}
		if successor == nil || c.OlderThan(successor) {
			successor = c
		}
	}
	if successor == nil {
		return nil, nil
	}

	if err := successor.Promote(now); err != nil {
		return nil, err
	}
	if err := store.Update(ctx, successor); err != nil {
		return nil, err
	}
	if _, err := store.Relink(ctx, primary.ID, successor.ID, now); err != nil {
		return nil, err
	}
	return successor, nil
}
