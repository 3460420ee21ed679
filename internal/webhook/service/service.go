// Package service maps provider webhook deliveries onto booking store
// mutations and triggers approval for newly created bookings.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	approvalmodels "spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	"spotkeeper/internal/platform/metrics"
	"spotkeeper/internal/webhook/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/sentinel"
	"spotkeeper/pkg/platform/tx"
	"spotkeeper/pkg/requestcontext"
)

type BookingStore interface {
	Create(ctx context.Context, booking *bookingmodels.Booking, attribution *bookingmodels.Attribution) error
	FindByCorrelationID(ctx context.Context, correlationID string) (*bookingmodels.Booking, error)
	SoftDelete(ctx context.Context, ids ...int64) (int, error)
	UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error
}

// Approver runs the policy governing a booking's owner.
type Approver interface {
	RunForBooking(ctx context.Context, booking *bookingmodels.Booking) ([]approvalmodels.Change, error)
}

// CacheInvalidator drops derived read models for an event type.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, eventTypeIDs ...string) error
}

type Service struct {
	bookings BookingStore
	approver Approver
	cache    CacheInvalidator
	tx       tx.Runner
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
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

func WithInvalidator(cache CacheInvalidator) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func New(bookings BookingStore, approver Approver, runner tx.Runner, opts ...Option) *Service {
	s := &Service{
		bookings: bookings,
		approver: approver,
		tx:       runner,
		tracer:   otel.Tracer("spotkeeper/webhook"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle applies one delivery. Every error path before the store write is
// mutation-free.
func (s *Service) Handle(ctx context.Context, d *models.Delivery) error {
	ctx, span := s.tracer.Start(ctx, "webhook.Handle", trace.WithAttributes(
		attribute.String("webhook.event", string(d.Kind)),
		attribute.String("webhook.correlation_id", d.CorrelationID),
	))
	defer span.End()

	var err error
	switch d.Kind {
	case models.EventCreated:
		err = s.handleCreated(ctx, d)
	case models.EventCanceled:
		err = s.handleCanceled(ctx, d)
	default:
		err = dErrors.New(dErrors.CodeBadRequest, "event not recognized")
	}

	s.metrics.IncrementWebhookEvent(string(d.Kind), ResultLabel(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	return err
}

func (s *Service) handleCreated(ctx context.Context, d *models.Delivery) error {
	_, err := s.bookings.FindByCorrelationID(ctx, d.CorrelationID)
	switch {
	case err == nil:
		return errDuplicate
	case !errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up booking")
	}

	booking, attribution, err := d.NewBooking()
	if err != nil {
		return err
	}
	if err := s.bookings.Create(ctx, booking, attribution); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return errDuplicate
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create booking")
	}
	s.logAudit(ctx, "booking_created",
		"booking_id", booking.ID,
		"event_type_id", booking.EventTypeID,
		"correlation_id", d.CorrelationID,
	)

	// The booking is committed; a failed run is logged and left for an
	// operator to re-execute, since a provider retry would only see 409.
	if _, err := s.approver.RunForBooking(ctx, booking); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "approval run after webhook failed",
			"booking_id", booking.ID,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	s.invalidate(ctx, booking.EventTypeID)
	return nil
}

// handleCanceled is idempotent. A racing create for the same unknown
// correlation id is retried once against the now-existing row.
func (s *Service) handleCanceled(ctx context.Context, d *models.Delivery) error {
	err := s.cancelOnce(ctx, d)
	if errors.Is(err, sentinel.ErrConflict) {
		err = s.cancelOnce(ctx, d)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrConflict):
		return errDuplicate
	default:
		if _, ok := dErrors.As(err); ok {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to cancel booking")
	}
}

func (s *Service) cancelOnce(ctx context.Context, d *models.Delivery) error {
	var (
		bookingID   int64
		eventTypeID string
		created     bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.bookings.FindByCorrelationID(ctx, d.CorrelationID)
		if err == nil {
			bookingID = existing.ID
			eventTypeID = existing.EventTypeID
			if _, err := s.bookings.SoftDelete(ctx, existing.ID); err != nil {
				return err
			}
			return s.bookings.UpdatePayload(ctx, existing.ID, d.Raw)
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}

		booking, attribution, err := d.NewBooking()
		if err != nil {
			return err
		}
		cancelledAt := requestcontext.Now(ctx)
		booking.CancelledAt = &cancelledAt
		if err := s.bookings.Create(ctx, booking, attribution); err != nil {
			return err
		}
		bookingID = booking.ID
		eventTypeID = booking.EventTypeID
		created = true
		return nil
	})
	if err != nil {
		return err
	}
	s.logAudit(ctx, "booking_cancelled",
		"booking_id", bookingID,
		"correlation_id", d.CorrelationID,
		"created", created,
	)
	s.invalidate(ctx, eventTypeID)
	return nil
}

// invalidate is best effort; a stale projection expires with its TTL.
func (s *Service) invalidate(ctx context.Context, eventTypeID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, eventTypeID); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to invalidate report cache",
			"event_type_id", eventTypeID,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}

var errDuplicate = dErrors.New(dErrors.CodeConflict, "booking already exists")

// ResultLabel classifies a handling outcome for the webhook metric.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeConflict:
		return "conflict"
	case dErrors.CodeBadRequest, dErrors.CodeValidation:
		return "invalid"
	}
	return "error"
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if s.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}
