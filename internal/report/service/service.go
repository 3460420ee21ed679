// Package service builds the report projection: which booking each group
// holds for an event type, and how many were declined.
package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/maruel/natural"
	"golang.org/x/sync/errgroup"

	approvalmodels "spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	"spotkeeper/internal/platform/config"
	"spotkeeper/internal/platform/metrics"
	"spotkeeper/internal/report/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/requestcontext"
)

type BookingReader interface {
	List(ctx context.Context, view bookingmodels.View, filter bookingmodels.Filter) ([]*bookingmodels.Booking, error)
}

type GroupReader interface {
	ListGroups(ctx context.Context) ([]*approvalmodels.Group, error)
}

// EventTypeResolver picks the event type when the caller names none.
type EventTypeResolver interface {
	ResolveEventType(ctx context.Context, explicit string) (string, error)
}

// Cache stores rendered projections per event type. Stale reads are fine.
type Cache interface {
	Get(ctx context.Context, eventTypeID string) (*models.Report, bool, error)
	Set(ctx context.Context, eventTypeID string, report *models.Report) error
}

type Service struct {
	bookings BookingReader
	groups   GroupReader
	resolver EventTypeResolver
	settings config.Report
	cache    Cache
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Service)

func WithCache(c Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

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

func New(bookings BookingReader, groups GroupReader, resolver EventTypeResolver, settings config.Report, opts ...Option) *Service {
	s := &Service{
		bookings: bookings,
		groups:   groups,
		resolver: resolver,
		settings: settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build returns the projection for eventTypeID, resolving a default when it
// is empty. With no event type at all the report is empty.
func (s *Service) Build(ctx context.Context, eventTypeID string) (*models.Report, error) {
	eventTypeID, err := s.resolver.ResolveEventType(ctx, eventTypeID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return &models.Report{Announcement: s.settings.Announcement, Groups: []models.GroupRow{}, Bookings: []models.BookingRow{}}, nil
		}
		return nil, err
	}

	if cached, ok := s.fromCache(ctx, eventTypeID); ok {
		return cached, nil
	}

	var (
		groups []*approvalmodels.Group
		live   []*bookingmodels.Booking
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		groups, err = s.groups.ListGroups(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		live, err = s.bookings.List(gctx, bookingmodels.ViewActive, bookingmodels.Filter{EventTypeID: eventTypeID})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load report data")
	}

	report := s.compose(eventTypeID, groups, live)
	if s.cache != nil {
		if err := s.cache.Set(ctx, eventTypeID, report); err != nil {
			s.warn(ctx, "failed to cache report", err)
		}
	}
	return report, nil
}

func (s *Service) fromCache(ctx context.Context, eventTypeID string) (*models.Report, bool) {
	if s.cache == nil {
		return nil, false
	}
	report, ok, err := s.cache.Get(ctx, eventTypeID)
	switch {
	case err != nil:
		s.metrics.IncrementReportCache("error")
		s.warn(ctx, "failed to read cached report", err)
		return nil, false
	case !ok:
		s.metrics.IncrementReportCache("miss")
		return nil, false
	}
	s.metrics.IncrementReportCache("hit")
	return report, true
}

// compose expects live in booked_at order.
func (s *Service) compose(eventTypeID string, groups []*approvalmodels.Group, live []*bookingmodels.Booking) *models.Report {
	byGroup := make(map[int64][]*bookingmodels.Booking, len(groups))
	declined := 0
	for _, b := range live {
		if b.ApprovalStatus == bookingmodels.StatusDeclined {
			declined++
		}
		if gid := b.GroupID(); gid != nil {
			byGroup[*gid] = append(byGroup[*gid], b)
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return natural.Less(strings.ToLower(groups[i].Name), strings.ToLower(groups[j].Name))
	})

	report := &models.Report{
		EventTypeID:  eventTypeID,
		Announcement: s.settings.Announcement,
		Groups:       make([]models.GroupRow, 0, len(groups)),
		Bookings:     []models.BookingRow{},
	}
	if s.settings.ShowDeclinedCount {
		report.DeclinedCount = declined
	}

	for _, g := range groups {
		row := models.GroupRow{
			ID:           g.ID,
			Name:         g.Name,
			ApprovalType: string(g.ApprovalType),
		}
		for _, b := range byGroup[g.ID] {
			switch b.ApprovalStatus {
			case bookingmodels.StatusApproved:
				if row.Booking == nil {
					row.Booking = &models.BookingRow{
						ID:        b.ID,
						GroupName: g.Name,
						Email:     b.Email,
						SpotStart: b.SpotStart,
						SpotEnd:   b.SpotEnd,
						BookedAt:  b.BookedAt,
					}
				}
			case bookingmodels.StatusDeclined:
				row.DeclinedCount++
			}
		}
		if row.Booking == nil {
			row.Warning = true
		} else {
			report.Bookings = append(report.Bookings, *row.Booking)
		}
		report.Groups = append(report.Groups, row)
	}
	return report
}

func (s *Service) warn(ctx context.Context, msg string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.WarnContext(ctx, msg,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
}
