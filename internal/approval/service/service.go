package service

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	"spotkeeper/internal/platform/metrics"
	"spotkeeper/pkg/platform/audit"
	"spotkeeper/pkg/platform/tx"
	"spotkeeper/pkg/requestcontext"
)

type BookingStore interface {
	ActiveFor(ctx context.Context, eventTypeID string, emails []string) ([]*bookingmodels.Booking, error)
	LockByIDs(ctx context.Context, ids []int64) ([]*bookingmodels.Booking, error)
	SetApproval(ctx context.Context, id int64, status bookingmodels.ApprovalStatus, protected bool) error
	SetApprovalGroup(ctx context.Context, ids []int64, groupID *int64) error
	LatestEventType(ctx context.Context) (string, error)
	AttributedToGroup(ctx context.Context, groupID int64) (bool, error)
}

type GroupStore interface {
	UpsertGroup(ctx context.Context, group *models.Group) error
	FindGroup(ctx context.Context, id int64) (*models.Group, error)
	ListGroups(ctx context.Context) ([]*models.Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	UpsertInvitee(ctx context.Context, invitee models.Invitee) error
	FindInvitee(ctx context.Context, email string) (*models.Invitee, error)
	InviteeEmails(ctx context.Context, groupID int64) ([]string, error)
}

type AuditStore interface {
	Append(ctx context.Context, entry audit.Entry) error
}

// DecisionPublisher announces committed changes to downstream consumers.
type DecisionPublisher interface {
	Publish(ctx context.Context, events []models.DecisionEvent) error
}

// Service is the approval executor: it evaluates group policies and applies
// their decisions to bookings, one transaction per group.
type Service struct {
	bookings         BookingStore
	groups           GroupStore
	audit            AuditStore
	tx               tx.Runner
	publisher        DecisionPublisher
	logger           *slog.Logger
	metrics          *metrics.Metrics
	tracer           trace.Tracer
	defaultActor     string
	noGroupAction    models.NoGroupAction
	defaultEventType string
}

type Option func(s *Service)

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

func WithPublisher(p DecisionPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithActor sets the actor recorded when the context carries none, which is
// the case for webhook-triggered runs.
func WithActor(actor string) Option {
	return func(s *Service) {
		s.defaultActor = actor
	}
}

func WithNoGroupAction(action models.NoGroupAction) Option {
	return func(s *Service) {
		s.noGroupAction = action
	}
}

func WithDefaultEventType(eventTypeID string) Option {
	return func(s *Service) {
		s.defaultEventType = eventTypeID
	}
}

func New(bookings BookingStore, groups GroupStore, auditStore AuditStore, runner tx.Runner, opts ...Option) *Service {
	s := &Service{
		bookings:      bookings,
		groups:        groups,
		audit:         auditStore,
		tx:            runner,
		tracer:        otel.Tracer("spotkeeper/approval"),
		defaultActor:  "approval-bot",
		noGroupAction: models.NoGroupManual,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) actor(ctx context.Context) string {
	if actor := requestcontext.Actor(ctx); actor != "" {
		return actor
	}
	return s.defaultActor
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

// afterCommit records metrics, audit log lines and decision events for
// changes that are already durable. Failures here never undo the change.
func (s *Service) afterCommit(ctx context.Context, changes []models.Change, policy string) {
	if len(changes) == 0 {
		return
	}
	actor := s.actor(ctx)
	now := requestcontext.Now(ctx)
	events := make([]models.DecisionEvent, 0, len(changes))
	for _, c := range changes {
		s.metrics.IncrementApprovalChange(string(c.To), policy)
		s.logAudit(ctx, "booking_approval_changed",
			"booking_id", c.BookingID,
			"from", string(c.From),
			"to", string(c.To),
			"policy", policy,
			"actor", actor,
		)
		events = append(events, models.NewDecisionEvent(c, actor, now))
	}

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events); err != nil {
		s.metrics.IncrementPublishError()
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to publish decision events",
				"error", err,
				"count", len(events),
				"request_id", requestcontext.RequestID(ctx),
			)
		}
	}
}
