package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reconciler/internal/identity/events"
	"reconciler/internal/identity/models"
	dErrors "reconciler/pkg/domain-errors"
	"reconciler/pkg/platform/sentinel"
	"reconciler/pkg/requestcontext"
)

// maxLinkHops bounds how far a secondary's link chain is followed.
const maxLinkHops = 8

// Resolve finds or creates the identity owning (email, phone), merging
// identities the request bridges, and returns its consolidated view.
func (s *Service) Resolve(ctx context.Context, email, phone *string) (*models.ConsolidatedIdentity, error) {
	res, err := s.ResolveDetailed(ctx, email, phone)
	if err != nil {
		return nil, err
	}
	return res.Identity, nil
}

// ResolveDetailed is Resolve returning what the resolution wrote.
func (s *Service) ResolveDetailed(ctx context.Context, email, phone *string) (*models.Resolution, error) {
	start := time.Now()
	email, phone = normalize(email), normalize(phone)
	if email == nil && phone == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "email or phone number is required")
	}

	ctx, span := s.tracer.Start(ctx, "identity.Resolve",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Bool("identity.has_email", email != nil),
			attribute.Bool("identity.has_phone", phone != nil),
		),
	)
	defer span.End()

	var res *models.Resolution
	err := s.withRetry(ctx, "resolve", func(ctx context.Context) error {
		var err error
		res, err = s.resolveOnce(ctx, email, phone)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		s.metrics.IncrementResolutions("error")
		s.logger.ErrorContext(ctx, "identity resolution failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, translate(ctx, err, "failed to resolve identity")
	}

	span.SetAttributes(
		attribute.Int64("identity.primary_contact_id", res.Identity.PrimaryContactID),
		attribute.String("identity.outcome", string(res.Outcome)),
	)
	s.metrics.ObserveResolve(start)
	s.metrics.IncrementResolutions(string(res.Outcome))
	s.publish(ctx, res)
	return res, nil
}

// resolveOnce is one attempt: optional distributed lock, then one transaction.
func (s *Service) resolveOnce(ctx context.Context, email, phone *string) (*models.Resolution, error) {
	keys := identityKeys(email, phone)
	if s.locker != nil {
		release, err := s.locker.LockKeys(ctx, keys)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	var res *models.Resolution
	err := s.tx.RunInTx(ctx, func(ctx context.Context, store Store) error {
		if err := store.LockKeys(ctx, keys...); err != nil {
			return err
		}
		r, err := s.resolveInTx(ctx, store, email, phone)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) resolveInTx(ctx context.Context, store Store, email, phone *string) (*models.Resolution, error) {
	now := requestcontext.Now(ctx)

	candidates, err := store.FindByEmailOrPhone(ctx, email, phone)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return s.bootstrap(ctx, store, email, phone, now)
	}

	primaries, err := s.owningPrimaries(ctx, store, candidates)
	if err != nil {
		return nil, err
	}

	res := &models.Resolution{Outcome: models.OutcomeMatched}
	var owner *models.Contact
	if len(primaries) == 0 {
		owner = candidates[0]
		s.metrics.IncrementFallbacks()
		s.logger.WarnContext(ctx, "linked primary not found, falling back to first candidate",
			"request_id", requestcontext.RequestID(ctx),
			"contact_id", owner.ID,
		)
	} else {
		primaries, err = s.lockPrimaries(ctx, store, primaries)
		if err != nil {
			return nil, err
		}
		owner = primaries[0]
		if len(primaries) > 1 {
			owner, res.Demoted, err = s.merge(ctx, store, primaries, now)
			if err != nil {
				return nil, err
			}
			res.Outcome = models.OutcomeMerged
		}
	}

	group, err := store.FindGroup(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	agg := aggregate(owner.ID, group)

	if needsSecondary(agg, email, phone) {
		c, err := models.NewSecondary(email, phone, owner.ID, now)
		if err != nil {
			return nil, err
		}
		created, err := store.Insert(ctx, c)
		if err != nil {
			return nil, err
		}
		agg.add(created)
		res.Created = created
		if res.Outcome == models.OutcomeMatched {
			res.Outcome = models.OutcomeLinked
		}
		s.metrics.IncrementContactsCreated(string(models.PrecedenceSecondary))
		s.logger.InfoContext(ctx, "secondary contact linked",
			"request_id", requestcontext.RequestID(ctx),
			"contact_id", created.ID,
			"primary_contact_id", owner.ID,
		)
	}

	res.Identity = agg.view(email, phone)
	return res, nil
}

// bootstrap creates a brand-new primary for a fragment nothing matched.
func (s *Service) bootstrap(ctx context.Context, store Store, email, phone *string, now time.Time) (*models.Resolution, error) {
	c, err := models.NewPrimary(email, phone, now)
	if err != nil {
		return nil, err
	}
	created, err := store.Insert(ctx, c)
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementContactsCreated(string(models.PrecedencePrimary))
	s.logger.InfoContext(ctx, "primary contact created",
		"request_id", requestcontext.RequestID(ctx),
		"contact_id", created.ID,
	)

	agg := aggregate(created.ID, []*models.Contact{created})
	return &models.Resolution{
		Identity: agg.view(email, phone),
		Outcome:  models.OutcomeCreated,
		Created:  created,
	}, nil
}

// owningPrimaries returns the distinct primaries that own candidates, in
// discovery order. Candidates whose primary cannot be found are skipped.
func (s *Service) owningPrimaries(ctx context.Context, store Store, candidates []*models.Contact) ([]*models.Contact, error) {
	var (
		primaries []*models.Contact
		seen      = make(map[int64]struct{})
		resolved  = make(map[int64]*models.Contact)
	)
	for _, c := range candidates {
		p, err := s.primaryOf(ctx, store, c, resolved)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				s.logger.DebugContext(ctx, "candidate has no reachable primary",
					"request_id", requestcontext.RequestID(ctx),
					"contact_id", c.ID,
				)
				continue
			}
			return nil, err
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		primaries = append(primaries, p)
	}
	return primaries, nil
}

// primaryOf follows c's link to its primary. resolved caches lookups made in
// the current transaction.
func (s *Service) primaryOf(ctx context.Context, store Store, c *models.Contact, resolved map[int64]*models.Contact) (*models.Contact, error) {
	cur := c
	for range maxLinkHops {
		if cur.IsPrimary() {
			return cur, nil
		}
		if cur.LinkedID == nil {
			return nil, sentinel.ErrNotFound
		}
		next, ok := resolved[*cur.LinkedID]
		if !ok {
			var err error
			next, err = store.FindByID(ctx, *cur.LinkedID)
			if err != nil {
				return nil, err
			}
			resolved[next.ID] = next
		}
		cur = next
	}
	return nil, sentinel.ErrNotFound
}

// lockPrimaries locks each primary's contact key and re-reads it. A primary
// that was demoted or deleted since the candidate read is a conflict.
func (s *Service) lockPrimaries(ctx context.Context, store Store, primaries []*models.Contact) ([]*models.Contact, error) {
	keys := make([]string, 0, len(primaries))
	for _, p := range primaries {
		keys = append(keys, contactKey(p.ID))
	}
	if err := store.LockKeys(ctx, keys...); err != nil {
		return nil, err
	}

	fresh := make([]*models.Contact, 0, len(primaries))
	for _, p := range primaries {
		current, err := store.FindByID(ctx, p.ID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, errors.Join(sentinel.ErrConflict, err)
			}
			return nil, err
		}
		if !current.IsPrimary() {
			return nil, fmt.Errorf("primary %d was demoted concurrently: %w", p.ID, sentinel.ErrConflict)
		}
		fresh = append(fresh, current)
	}
	return fresh, nil
}

func (s *Service) publish(ctx context.Context, res *models.Resolution) {
	evt, ok := events.FromResolution(res, requestcontext.RequestID(ctx), requestcontext.Now(ctx))
	if !ok {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.metrics.IncrementPublishFailures()
		s.logger.WarnContext(ctx, "failed to publish identity event",
			"request_id", requestcontext.RequestID(ctx),
			"event_type", evt.Type,
			"primary_contact_id", evt.PrimaryContactID,
			"error", err,
		)
	}
}

// identityKeys names the lock keys for a fragment.
func identityKeys(email, phone *string) []string {
	keys := make([]string, 0, 2)
	if email != nil {
		keys = append(keys, "email:"+*email)
	}
	if phone != nil {
		keys = append(keys, "phone:"+*phone)
	}
	return keys
}

func contactKey(id int64) string {
	return "contact:" + strconv.FormatInt(id, 10)
}

// normalize trims v and maps empty to nil.
func normalize(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

// translate turns a failed attempt into the error callers see.
func translate(ctx context.Context, err error, msg string) error {
	switch {
	case dErrors.HasCode(err, dErrors.CodeTimeout),
		errors.Is(err, context.DeadlineExceeded),
		ctx.Err() != nil:
		return dErrors.Wrap(err, dErrors.CodeTimeout, "identity store timed out")
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
