package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "reconciler/pkg/domain-errors"
)

// StoreTx provides a transactional boundary for contact store mutations.
// Implementations may wrap a database transaction or, in memory, a coarse lock.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}

// defaultTxTimeout is the maximum duration for a resolution transaction.
const defaultTxTimeout = 5 * time.Second

type storeTx struct {
	store   Store
	timeout time.Duration
	tracer  trace.Tracer
}

// NewStoreTx bounds every transaction on store by timeout.
func NewStoreTx(store Store, timeout time.Duration, tracer trace.Tracer) StoreTx {
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return &storeTx{store: store, timeout: timeout, tracer: tracer}
}

func (t *storeTx) RunInTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "identity.store.tx")
		defer span.End()
		err := t.run(ctx, fn)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transaction failed")
		}
		return err
	}
	return t.run(ctx, fn)
}

func (t *storeTx) run(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	err := t.store.WithinTx(ctx, func(txCtx context.Context) error {
		return fn(txCtx, t.store)
	})
	if err != nil && ctx.Err() != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction timed out")
	}
	return err
}
