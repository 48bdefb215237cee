package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"barpos/internal/domain"
	"barpos/internal/events"
	"barpos/internal/reports"
	"barpos/internal/store"
	"barpos/internal/xid"
)

var tracer = otel.Tracer("barpos/service")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// MaxRetries bounds how many times a unit is re-run after store.ErrConflict.
	MaxRetries   int
	RetryBackoff time.Duration
}

type Service struct {
	repo       store.Repository
	reporter   *reports.Engine
	publisher  events.Publisher
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

func New(repo store.Repository, reporter *reports.Engine, publisher events.Publisher, logger *zap.Logger, opts Options) *Service {
	if reporter == nil {
		reporter = reports.NewEngine(nil, 0, logger)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}

	return &Service{
		repo:       repo,
		reporter:   reporter,
		publisher:  publisher,
		logger:     logger,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// atomic runs fn as one unit over keys, re-running it on store.ErrConflict.
func (s *Service) atomic(ctx context.Context, op string, keys []domain.StockKey, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * s.backoff
			s.logger.Debug("retrying after write conflict",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err = s.repo.WithinTx(ctx, keys, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}

	s.logger.Error("write conflict retries exhausted", zap.String("op", op), zap.Int("attempts", s.maxRetries+1), zap.Error(err))
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, s.maxRetries+1, err)
}

func (s *Service) publish(ctx context.Context, msgType string, eventID int64, actorID int64, payload any) {
	msg := events.Message{
		ID:         xid.New("evt"),
		Type:       msgType,
		EventID:    eventID,
		ActorID:    actorID,
		OccurredAt: s.now(),
		Payload:    payload,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn("failed to publish event", zap.String("type", msgType), zap.Int64("event_id", eventID), zap.Error(err))
	}
}

// resolveActor prefers the explicit id and falls back to the caller in ctx.
func resolveActor(ctx context.Context, explicit int64) int64 {
	if explicit != 0 {
		return explicit
	}
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.UserID
	}
	return 0
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

type idField struct {
	name  string
	value int64
}

func requireIDs(fields ...idField) error {
	for _, f := range fields {
		if f.value <= 0 {
			return invalidArgument("%s is required", f.name)
		}
	}
	return nil
}
