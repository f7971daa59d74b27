package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"reconciler/internal/identity/events"
	"reconciler/internal/identity/metrics"
	"reconciler/internal/identity/models"
	"reconciler/internal/identity/service"
	"reconciler/internal/identity/store/contact"
	"reconciler/internal/platform/database"
	dErrors "reconciler/pkg/domain-errors"
	"reconciler/pkg/requestcontext"
)

// ServiceSuite runs the resolver against a real contact store.
type ServiceSuite struct {
	suite.Suite
	newStore func(t *testing.T) service.Store

	store    service.Store
	service  *service.Service
	recorder *events.Recorder
	metrics  *metrics.Metrics
	clock    time.Time
}

func TestServiceInMemory(t *testing.T) {
	suite.Run(t, &ServiceSuite{newStore: func(*testing.T) service.Store {
		return contact.NewInMemory()
	}})
}

func TestServiceSQLite(t *testing.T) {
	suite.Run(t, &ServiceSuite{newStore: func(t *testing.T) service.Store {
		ctx := context.Background()
		db, err := database.OpenSQLite(ctx, t.TempDir()+"/identity.db")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		store := contact.NewSQLite(db)
		if err := store.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		return store
	}})
}

func (s *ServiceSuite) SetupTest() {
	s.store = s.newStore(s.T())
	s.recorder = &events.Recorder{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.clock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.service = service.New(s.store,
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		service.WithMetrics(s.metrics),
		service.WithPublisher(s.recorder),
		service.WithRetryBackoff(time.Millisecond),
	)
}

func ptr[T any](v T) *T { return &v }

// tick returns a context one second later than the previous call.
func (s *ServiceSuite) tick() context.Context {
	s.clock = s.clock.Add(time.Second)
	return requestcontext.WithRequestID(requestcontext.WithTime(context.Background(), s.clock), "req-test")
}

func (s *ServiceSuite) resolve(email, phone *string) *models.Resolution {
	res, err := s.service.ResolveDetailed(s.tick(), email, phone)
	s.Require().NoError(err)
	return res
}

func (s *ServiceSuite) TestNewIdentity() {
	res := s.resolve(ptr("lorraine@hillvalley.edu"), ptr("123456"))

	s.Equal(models.OutcomeCreated, res.Outcome)
	s.Require().NotNil(res.Created)
	s.True(res.Created.IsPrimary())
	s.Equal(&models.ConsolidatedIdentity{
		PrimaryContactID:    res.Created.ID,
		Emails:              []string{"lorraine@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{},
	}, res.Identity)

	published := s.recorder.Events()
	s.Require().Len(published, 1)
	s.Equal(events.TypeContactCreated, published[0].Type)
	s.Equal("req-test", published[0].RequestID)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Resolutions.WithLabelValues("created")))
}

func (s *ServiceSuite) TestSingleFieldIdentityHasEmptyOtherList() {
	res := s.resolve(ptr("doc@hillvalley.edu"), nil)

	s.Equal([]string{"doc@hillvalley.edu"}, res.Identity.Emails)
	s.NotNil(res.Identity.PhoneNumbers)
	s.Empty(res.Identity.PhoneNumbers)
}

func (s *ServiceSuite) TestPureMatchWritesNothing() {
	first := s.resolve(ptr("lorraine@hillvalley.edu"), ptr("123456"))

	for _, tc := range []struct {
		name         string
		email, phone *string
	}{
		{name: "email only", email: ptr("lorraine@hillvalley.edu")},
		{name: "phone only", phone: ptr("123456")},
		{name: "both known", email: ptr("lorraine@hillvalley.edu"), phone: ptr("123456")},
	} {
		s.Run(tc.name, func() {
			res := s.resolve(tc.email, tc.phone)
			s.Equal(models.OutcomeMatched, res.Outcome)
			s.Nil(res.Created)
			s.Equal(first.Identity.PrimaryContactID, res.Identity.PrimaryContactID)
			s.Empty(res.Identity.SecondaryContactIDs)
		})
	}
	s.Len(s.recorder.Events(), 1)
}

func (s *ServiceSuite) TestNewFactCreatesSecondary() {
	primary := s.resolve(ptr("lorraine@hillvalley.edu"), ptr("123456"))

	res := s.resolve(ptr("mcfly@hillvalley.edu"), ptr("123456"))

	s.Equal(models.OutcomeLinked, res.Outcome)
	s.Require().NotNil(res.Created)
	s.False(res.Created.IsPrimary())
	s.Equal(primary.Identity.PrimaryContactID, *res.Created.LinkedID)
	s.Equal(&models.ConsolidatedIdentity{
		PrimaryContactID:    primary.Identity.PrimaryContactID,
		Emails:              []string{"mcfly@hillvalley.edu", "lorraine@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{res.Created.ID},
	}, res.Identity)

	published := s.recorder.Events()
	s.Require().Len(published, 2)
	s.Equal(events.TypeContactLinked, published[1].Type)
	s.Equal(res.Created.ID, published[1].ContactID)
}

func (s *ServiceSuite) TestRepeatedNewFactCreatesOneSecondary() {
	s.resolve(ptr("lorraine@hillvalley.edu"), ptr("123456"))
	first := s.resolve(ptr("mcfly@hillvalley.edu"), ptr("123456"))
	second := s.resolve(ptr("mcfly@hillvalley.edu"), ptr("123456"))

	s.Equal(models.OutcomeLinked, first.Outcome)
	s.Equal(models.OutcomeMatched, second.Outcome)
	s.Equal(first.Identity.SecondaryContactIDs, second.Identity.SecondaryContactIDs)
}

func (s *ServiceSuite) TestRequestedValuesComeFirst() {
	s.resolve(ptr("a@example.com"), ptr("111"))
	s.resolve(ptr("b@example.com"), ptr("111"))
	s.resolve(ptr("b@example.com"), ptr("222"))

	res := s.resolve(ptr("b@example.com"), ptr("222"))
	s.Equal("b@example.com", res.Identity.Emails[0])
	s.Equal("222", res.Identity.PhoneNumbers[0])
	s.ElementsMatch([]string{"a@example.com", "b@example.com"}, res.Identity.Emails)
	s.ElementsMatch([]string{"111", "222"}, res.Identity.PhoneNumbers)

	byPhone := s.resolve(nil, ptr("111"))
	s.Equal("111", byPhone.Identity.PhoneNumbers[0])
	s.Equal("a@example.com", byPhone.Identity.Emails[0])
}

func (s *ServiceSuite) TestBridgingRequestMergesPrimaries() {
	george := s.resolve(ptr("george@hillvalley.edu"), ptr("919191"))
	biff := s.resolve(ptr("biffsucks@hillvalley.edu"), ptr("717171"))

	res := s.resolve(ptr("george@hillvalley.edu"), ptr("717171"))

	s.Equal(models.OutcomeMerged, res.Outcome)
	s.Nil(res.Created)
	s.Equal([]int64{biff.Created.ID}, res.Demoted)
	s.Equal(george.Created.ID, res.Identity.PrimaryContactID)
	s.Equal([]string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"}, res.Identity.Emails)
	s.Equal([]string{"717171", "919191"}, res.Identity.PhoneNumbers)
	s.Equal([]int64{biff.Created.ID}, res.Identity.SecondaryContactIDs)

	demoted, err := s.store.FindByID(context.Background(), biff.Created.ID)
	s.Require().NoError(err)
	s.False(demoted.IsPrimary())
	s.Equal(george.Created.ID, *demoted.LinkedID)

	published := s.recorder.Events()
	s.Equal(events.TypeIdentityMerged, published[len(published)-1].Type)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.PrimariesMerged))
}

func (s *ServiceSuite) TestMergeRelinksSecondariesOfDemotedPrimary() {
	a := s.resolve(ptr("a@example.com"), ptr("111"))
	b := s.resolve(ptr("b@example.com"), ptr("222"))
	bSecondary := s.resolve(ptr("c@example.com"), ptr("222"))

	res := s.resolve(ptr("a@example.com"), ptr("222"))

	s.Equal(a.Created.ID, res.Identity.PrimaryContactID)
	s.Equal([]int64{b.Created.ID, bSecondary.Created.ID}, res.Identity.SecondaryContactIDs)

	relinked, err := s.store.FindByID(context.Background(), bSecondary.Created.ID)
	s.Require().NoError(err)
	s.Equal(a.Created.ID, *relinked.LinkedID)
}

func (s *ServiceSuite) TestMergeKeepsOldestPrimary() {
	newer := s.resolve(ptr("new@example.com"), ptr("111"))

	earlier := requestcontext.WithTime(context.Background(), s.clock.Add(-time.Hour))
	older, err := s.service.ResolveDetailed(earlier, ptr("old@example.com"), ptr("222"))
	s.Require().NoError(err)
	s.Greater(older.Created.ID, newer.Created.ID)

	res := s.resolve(ptr("new@example.com"), ptr("222"))

	s.Equal(older.Created.ID, res.Identity.PrimaryContactID)
	s.Equal([]int64{newer.Created.ID}, res.Demoted)
}

func (s *ServiceSuite) TestMergedIdentityKeepsGrowing() {
	a := s.resolve(ptr("a@example.com"), ptr("111"))
	s.resolve(nil, ptr("222"))

	res := s.resolve(ptr("a@example.com"), ptr("222"))
	s.Equal(models.OutcomeMerged, res.Outcome)
	s.Nil(res.Created)

	s.resolve(ptr("z@example.com"), ptr("222"))
	view, err := s.service.View(context.Background(), a.Created.ID)
	s.Require().NoError(err)
	s.Len(view.SecondaryContactIDs, 2)
	s.Contains(view.Emails, "z@example.com")
}

func (s *ServiceSuite) TestLinkInvariantHolds() {
	s.resolve(ptr("a@example.com"), ptr("111"))
	s.resolve(ptr("b@example.com"), ptr("222"))
	s.resolve(ptr("c@example.com"), ptr("111"))
	s.resolve(ptr("d@example.com"), ptr("222"))
	s.resolve(ptr("c@example.com"), ptr("222"))
	s.resolve(ptr("e@example.com"), ptr("333"))
	s.resolve(ptr("e@example.com"), ptr("111"))

	ctx := context.Background()
	for id := int64(1); id <= 8; id++ {
		c, err := s.store.FindByID(ctx, id)
		if err != nil {
			continue
		}
		if c.IsPrimary() {
			s.Nil(c.LinkedID, "primary %d must not link", id)
			continue
		}
		s.Require().NotNil(c.LinkedID, "secondary %d must link", id)
		owner, err := s.store.FindByID(ctx, *c.LinkedID)
		s.Require().NoError(err)
		s.True(owner.IsPrimary(), "secondary %d must link to a primary", id)
	}

	view, err := s.service.View(ctx, 1)
	s.Require().NoError(err)
	s.Equal(int64(1), view.PrimaryContactID)
	s.ElementsMatch([]string{"111", "222", "333"}, view.PhoneNumbers)
}

func (s *ServiceSuite) TestConcurrentIdenticalRequestsCreateOnePrimary() {
	const workers = 16
	ctx := requestcontext.WithTime(context.Background(), s.clock)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[int64]struct{})
	)
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			identity, err := s.service.Resolve(ctx, ptr("marty@hillvalley.edu"), ptr("555"))
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids[identity.PrimaryContactID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		s.NoError(err)
	}
	s.Len(ids, 1)

	matches, err := s.store.FindByEmailOrPhone(context.Background(), ptr("marty@hillvalley.edu"), ptr("555"))
	s.Require().NoError(err)
	s.Len(matches, 1)
}

func (s *ServiceSuite) TestConcurrentNewFactsShareOneIdentity() {
	primary := s.resolve(ptr("doc@hillvalley.edu"), ptr("1955"))

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*models.ConsolidatedIdentity, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			email := ptr(string(rune('a'+i)) + "@hillvalley.edu")
			results[i], errs[i] = s.service.Resolve(context.Background(), email, ptr("1955"))
		}()
	}
	wg.Wait()

	for i := range workers {
		s.Require().NoError(errs[i])
		s.Equal(primary.Created.ID, results[i].PrimaryContactID)
	}
	view, err := s.service.View(context.Background(), primary.Created.ID)
	s.Require().NoError(err)
	s.Len(view.SecondaryContactIDs, workers)
}

func (s *ServiceSuite) TestRejectsRequestWithoutIdentifiers() {
	for _, tc := range []struct {
		name         string
		email, phone *string
	}{
		{name: "both absent"},
		{name: "both blank", email: ptr("  "), phone: ptr("")},
	} {
		s.Run(tc.name, func() {
			_, err := s.service.Resolve(context.Background(), tc.email, tc.phone)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
	s.Empty(s.recorder.Events())
}

func (s *ServiceSuite) TestTrimsInput() {
	first := s.resolve(ptr(" a@example.com "), ptr(" 111"))
	s.Equal([]string{"a@example.com"}, first.Identity.Emails)

	again := s.resolve(ptr("a@example.com"), nil)
	s.Equal(models.OutcomeMatched, again.Outcome)
}

func (s *ServiceSuite) TestPublishFailureDoesNotFailResolve() {
	s.recorder.Err = errors.New("broker down")

	res := s.resolve(ptr("a@example.com"), nil)

	s.Equal(models.OutcomeCreated, res.Outcome)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.PublishFailures))
}

func (s *ServiceSuite) TestView() {
	primary := s.resolve(ptr("a@example.com"), ptr("111"))
	secondary := s.resolve(ptr("b@example.com"), ptr("111"))

	s.Run("from primary", func() {
		view, err := s.service.View(context.Background(), primary.Created.ID)
		s.Require().NoError(err)
		s.Equal(secondary.Identity.PrimaryContactID, view.PrimaryContactID)
		s.Equal([]string{"a@example.com", "b@example.com"}, view.Emails)
		s.Equal([]int64{secondary.Created.ID}, view.SecondaryContactIDs)
	})

	s.Run("from secondary", func() {
		view, err := s.service.View(context.Background(), secondary.Created.ID)
		s.Require().NoError(err)
		s.Equal(primary.Created.ID, view.PrimaryContactID)
	})

	s.Run("unknown contact", func() {
		_, err := s.service.View(context.Background(), 999)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestDeleteSecondaryRemovesItsFacts() {
	primary := s.resolve(ptr("a@example.com"), ptr("111"))
	secondary := s.resolve(ptr("b@example.com"), ptr("111"))

	s.Require().NoError(s.service.Delete(s.tick(), secondary.Created.ID))

	view, err := s.service.View(context.Background(), primary.Created.ID)
	s.Require().NoError(err)
	s.Equal([]string{"a@example.com"}, view.Emails)
	s.Empty(view.SecondaryContactIDs)

	again := s.resolve(ptr("b@example.com"), ptr("111"))
	s.Equal(models.OutcomeLinked, again.Outcome)
	s.NotEqual(secondary.Created.ID, again.Created.ID)

	err = s.service.Delete(s.tick(), secondary.Created.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestDeletePrimaryPromotesOldestSecondary() {
	primary := s.resolve(ptr("a@example.com"), ptr("111"))
	oldest := s.resolve(ptr("b@example.com"), ptr("111"))
	younger := s.resolve(ptr("c@example.com"), ptr("111"))

	s.Require().NoError(s.service.Delete(s.tick(), primary.Created.ID))

	promoted, err := s.store.FindByID(context.Background(), oldest.Created.ID)
	s.Require().NoError(err)
	s.True(promoted.IsPrimary())
	s.Nil(promoted.LinkedID)

	relinked, err := s.store.FindByID(context.Background(), younger.Created.ID)
	s.Require().NoError(err)
	s.Require().NotNil(relinked.LinkedID)
	s.Equal(oldest.Created.ID, *relinked.LinkedID)

	view, err := s.service.View(context.Background(), younger.Created.ID)
	s.Require().NoError(err)
	s.Equal(oldest.Created.ID, view.PrimaryContactID)
	s.Equal([]string{"b@example.com", "c@example.com"}, view.Emails)
	s.Equal([]int64{younger.Created.ID}, view.SecondaryContactIDs)
}

func (s *ServiceSuite) TestIdentitySurvivesPrimaryDeletion() {
	primary := s.resolve(ptr("a@example.com"), ptr("111"))
	survivor := s.resolve(ptr("b@example.com"), ptr("111"))
	s.Require().NoError(s.service.Delete(s.tick(), primary.Created.ID))

	linked := s.resolve(ptr("b@example.com"), ptr("222"))
	s.Equal(survivor.Created.ID, linked.Identity.PrimaryContactID)
	s.Equal([]string{"222", "111"}, linked.Identity.PhoneNumbers)
	s.Equal([]int64{linked.Created.ID}, linked.Identity.SecondaryContactIDs)

	byPhone := s.resolve(nil, ptr("222"))
	s.Equal(survivor.Created.ID, byPhone.Identity.PrimaryContactID)
	s.Equal([]string{"222", "111"}, byPhone.Identity.PhoneNumbers)
	s.Equal([]int64{linked.Created.ID}, byPhone.Identity.SecondaryContactIDs)

	created, err := s.store.FindByID(context.Background(), linked.Created.ID)
	s.Require().NoError(err)
	s.Require().NotNil(created.LinkedID)
	owner, err := s.store.FindByID(context.Background(), *created.LinkedID)
	s.Require().NoError(err)
	s.True(owner.IsPrimary())
	s.Zero(promtest.ToFloat64(s.metrics.Fallbacks))
}

func (s *ServiceSuite) TestDeleteLonePrimary() {
	primary := s.resolve(ptr("a@example.com"), ptr("111"))
	s.Require().NoError(s.service.Delete(s.tick(), primary.Created.ID))

	_, err := s.service.View(context.Background(), primary.Created.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	again := s.resolve(ptr("a@example.com"), ptr("111"))
	s.Equal(models.OutcomeCreated, again.Outcome)
}

func (s *ServiceSuite) TestOrphanedSecondaryFallsBackToItself() {
	primary := s.resolve(ptr("a@example.com"), ptr("111"))
	secondary := s.resolve(ptr("b@example.com"), ptr("111"))
	// Remove the primary underneath the service, leaving its secondary orphaned.
	s.Require().NoError(s.store.SoftDelete(context.Background(), primary.Created.ID, s.clock))

	res := s.resolve(ptr("b@example.com"), nil)

	s.Equal(secondary.Created.ID, res.Identity.PrimaryContactID)
	s.Equal([]string{"b@example.com"}, res.Identity.Emails)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Fallbacks))

	view, err := s.service.View(context.Background(), secondary.Created.ID)
	s.Require().NoError(err)
	s.Equal(secondary.Created.ID, view.PrimaryContactID)
}
