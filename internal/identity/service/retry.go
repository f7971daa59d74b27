package service

import (
	"context"
	"time"

	dErrors "reconciler/pkg/domain-errors"
	"reconciler/pkg/platform/sentinel"
	"reconciler/pkg/requestcontext"
)

// isRetryable reports whether err is worth exactly one more attempt.
func isRetryable(err error) bool {
	return sentinel.IsTransient(err) || dErrors.HasCode(err, dErrors.CodeTimeout)
}

// withRetry runs fn and, on a transient failure, runs it once more after the
// configured backoff. The caller's context bounds both attempts.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !isRetryable(err) || ctx.Err() != nil {
		return err
	}

	s.metrics.IncrementRetries(op)
	s.logger.WarnContext(ctx, "retrying transient identity failure",
		"request_id", requestcontext.RequestID(ctx),
		"operation", op,
		"error", err,
	)

	timer := time.NewTimer(s.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	return fn(ctx)
}
