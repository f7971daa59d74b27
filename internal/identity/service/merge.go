package service

import (
	"context"
	"time"

	"reconciler/internal/identity/models"
	"reconciler/pkg/requestcontext"
)

// merge keeps the oldest primary and demotes the rest under it, re-parenting
// their secondaries. It returns the survivor and the demoted ids.
func (s *Service) merge(ctx context.Context, store Store, primaries []*models.Contact, now time.Time) (*models.Contact, []int64, error) {
	survivor := primaries[0]
	for _, p := range primaries[1:] {
		if p.OlderThan(survivor) {
			survivor = p
		}
	}

	demoted := make([]int64, 0, len(primaries)-1)
	for _, p := range primaries {
		if p.ID == survivor.ID {
			continue
		}
		relinked, err := store.Relink(ctx, p.ID, survivor.ID, now)
		if err != nil {
			return nil, nil, err
		}
		if err := p.DemoteTo(survivor.ID, now); err != nil {
			return nil, nil, err
		}
		if err := store.Update(ctx, p); err != nil {
			return nil, nil, err
		}
		demoted = append(demoted, p.ID)

		s.logger.InfoContext(ctx, "identity merged",
			"request_id", requestcontext.RequestID(ctx),
			"primary_contact_id", survivor.ID,
			"demoted_contact_id", p.ID,
			"relinked_secondaries", relinked,
		)
	}
	s.metrics.AddPrimariesMerged(len(demoted))
	return survivor, demoted, nil
}
