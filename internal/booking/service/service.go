// Package service exposes the operator-facing booking lifecycle: listing the
// soft-deletion views, cancelling, restoring and purging.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"spotkeeper/internal/booking/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/dedupe"
	"spotkeeper/pkg/platform/sentinel"
	"spotkeeper/pkg/platform/tx"
	"spotkeeper/pkg/requestcontext"
)

type Store interface {
	FindByID(ctx context.Context, id int64) (*models.Booking, error)
	List(ctx context.Context, view models.View, filter models.Filter) ([]*models.Booking, error)
	LockByIDs(ctx context.Context, ids []int64) ([]*models.Booking, error)
	SoftDelete(ctx context.Context, ids ...int64) (int, error)
	Restore(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, ids ...int64) (int, error)
}

// CacheInvalidator drops derived read models for the given event types after
// bookings change underneath them.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, eventTypeIDs ...string) error
}

type Service struct {
	store  Store
	tx     tx.Runner
	cache  CacheInvalidator
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithInvalidator(cache CacheInvalidator) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func New(store Store, runner tx.Runner, opts ...Option) *Service {
	s := &Service{store: store, tx: runner}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns bookings in the requested view, ordered by booked_at.
func (s *Service) List(ctx context.Context, rawView string, filter models.Filter) ([]*models.Booking, error) {
	view, err := models.ParseView(rawView)
	if err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown approval status %q", filter.Status))
	}
	filter.Email = models.NormalizeEmail(filter.Email)
	bookings, err := s.store.List(ctx, view, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list bookings")
	}
	return bookings, nil
}

// Cancel soft-deletes the bookings. Already cancelled ones are left as they
// are; unknown ids fail the whole call.
func (s *Service) Cancel(ctx context.Context, ids []int64) (int, error) {
	ids = dedupe.Values(ids)
	if len(ids) == 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "booking_ids is required")
	}
	var (
		cancelled int
		touched   []*models.Booking
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		found, err := s.requireAll(ctx, ids)
		if err != nil {
			return err
		}
		touched = found
		cancelled, err = s.store.SoftDelete(ctx, ids...)
		return err
	})
	if err != nil {
		return 0, translate(err, "failed to cancel bookings")
	}
	s.invalidate(ctx, touched...)
	s.logAudit(ctx, "bookings_cancelled", "booking_ids", ids, "cancelled", cancelled)
	return cancelled, nil
}

// Restore makes a cancelled booking live again. Its approval state and
// attribution are kept as they were.
func (s *Service) Restore(ctx context.Context, id int64) (*models.Booking, error) {
	if err := s.store.Restore(ctx, id); err != nil {
		return nil, translate(err, "failed to restore booking")
	}
	booking, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, translate(err, "failed to load booking")
	}
	s.invalidate(ctx, booking)
	s.logAudit(ctx, "booking_restored", "booking_id", id)
	return booking, nil
}

// Purge permanently removes cancelled bookings. A live id fails the call
// before anything is removed.
func (s *Service) Purge(ctx context.Context, ids []int64) (int, error) {
	ids = dedupe.Values(ids)
	if len(ids) == 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "booking_ids is required")
	}
	var (
		purged  int
		touched []*models.Booking
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		found, err := s.requireAll(ctx, ids)
		if err != nil {
			return err
		}
		touched = found
		for _, b := range found {
			if b.IsActive() {
				return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("booking %d is not cancelled", b.ID))
			}
		}
		purged, err = s.store.HardDelete(ctx, ids...)
		return err
	})
	if err != nil {
		return 0, translate(err, "failed to purge bookings")
	}
	s.invalidate(ctx, touched...)
	s.logAudit(ctx, "bookings_purged", "booking_ids", ids, "purged", purged)
	return purged, nil
}

func (s *Service) requireAll(ctx context.Context, ids []int64) ([]*models.Booking, error) {
	found, err := s.store.LockByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	present := make(map[int64]struct{}, len(found))
	for _, b := range found {
		present[b.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("booking %d not found", id))
		}
	}
	return found, nil
}

// invalidate is best effort: the bookings are already committed and a stale
// projection expires with its TTL.
func (s *Service) invalidate(ctx context.Context, bookings ...*models.Booking) {
	if s.cache == nil || len(bookings) == 0 {
		return
	}
	eventTypes := make([]string, 0, len(bookings))
	for _, b := range bookings {
		eventTypes = append(eventTypes, b.EventTypeID)
	}
	eventTypes = dedupe.Values(eventTypes)
	if err := s.cache.Invalidate(ctx, eventTypes...); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to invalidate report cache",
			"event_type_ids", eventTypes,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}

func translate(err error, message string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "booking not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, message)
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if s.logger == nil {
		return
	}
	attributes = append(attributes, "actor", requestcontext.Actor(ctx))
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}
