package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"reconciler/internal/identity/events"
	"reconciler/internal/identity/metrics"
	"reconciler/internal/identity/models"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

// Store is the contact repository the resolver runs against. Implementations
// exclude soft-deleted contacts from every read.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockKeys(ctx context.Context, keys ...string) error
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]*models.Contact, error)
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	FindGroup(ctx context.Context, primaryID int64) ([]*models.Contact, error)
	Insert(ctx context.Context, c *models.Contact) (*models.Contact, error)
	Update(ctx context.Context, c *models.Contact) error
	Relink(ctx context.Context, fromPrimaryID, toPrimaryID int64, now time.Time) (int, error)
	NextSequence(ctx context.Context, name string) (int64, error)
	SoftDelete(ctx context.Context, id int64, now time.Time) error
}

// KeyLocker serializes work on identity keys across processes.
type KeyLocker interface {
	LockKeys(ctx context.Context, keys []string) (release func(), err error)
}

// Publisher receives an event for every resolution that wrote contacts.
type Publisher interface {
	Publish(ctx context.Context, evt events.IdentityEvent) error
}

const (
	defaultRetryBackoff = 50 * time.Millisecond
	tracerName          = "reconciler/identity"
)

// Service resolves contact fragments into consolidated identities.
type Service struct {
	store        Store
	tx           StoreTx
	locker       KeyLocker
	publisher    Publisher
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	retryBackoff time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTx replaces the default transaction boundary.
func WithTx(tx StoreTx) Option {
	return func(s *Service) {
		s.tx = tx
	}
}

// WithKeyLocker adds a distributed lock around every resolution.
func WithKeyLocker(locker KeyLocker) Option {
	return func(s *Service) {
		s.locker = locker
	}
}

func WithPublisher(publisher Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) {
		s.retryBackoff = d
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New constructs a Service over store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       slog.Default(),
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.tx == nil {
		s.tx = NewStoreTx(store, defaultTxTimeout, s.tracer)
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	return s
}
