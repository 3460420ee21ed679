package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"spotkeeper/internal/approval/models"
	"spotkeeper/internal/approval/policy"
	bookingmodels "spotkeeper/internal/booking/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/audit"
	"spotkeeper/pkg/platform/dedupe"
	"spotkeeper/pkg/platform/sentinel"
	"spotkeeper/pkg/requestcontext"
)

type target struct {
	booking *bookingmodels.Booking
	status  bookingmodels.ApprovalStatus
	message string
}

// plan orders approved before declined. A booking present in both sets is
// approved.
func plan(approved, declined []*bookingmodels.Booking) []target {
	seen := make(map[int64]struct{}, len(approved)+len(declined))
	targets := make([]target, 0, len(approved)+len(declined))
	for _, b := range approved {
		if _, ok := seen[b.ID]; ok {
			continue
		}
		seen[b.ID] = struct{}{}
		targets = append(targets, target{booking: b, status: bookingmodels.StatusApproved, message: audit.MessageApproved})
	}
	for _, b := range declined {
		if _, ok := seen[b.ID]; ok {
			continue
		}
		seen[b.ID] = struct{}{}
		targets = append(targets, target{booking: b, status: bookingmodels.StatusDeclined, message: audit.MessageDeclined})
	}
	return targets
}

// Apply writes a decision for group. Protected bookings are skipped. A dry run
// reports the would-be changes without writing anything; a real run locks and
// re-reads the bookings, stamps them with the group and writes one audit entry
// per status change, all in one transaction.
func (s *Service) Apply(ctx context.Context, approved, declined []*bookingmodels.Booking, group *models.Group, dryRun bool) ([]models.Change, error) {
	if group == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "approval group is required")
	}
	ctx, span := s.tracer.Start(ctx, "approval.Apply", trace.WithAttributes(
		attribute.Int64("group.id", group.ID),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()
	defer s.metrics.ObserveApply(dryRun, time.Now())

	if dryRun {
		return preview(approved, declined, group), nil
	}

	var changes []models.Change
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		changes, err = s.applyInTx(ctx, approved, declined, group)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return nil, internalUnlessCoded(err, "failed to apply approval decision")
	}
	s.afterCommit(ctx, changes, string(group.ApprovalType))
	return changes, nil
}

func preview(approved, declined []*bookingmodels.Booking, group *models.Group) []models.Change {
	var changes []models.Change
	for _, t := range plan(approved, declined) {
		b := t.booking
		if b.ApprovalProtected || b.ApprovalStatus == t.status {
			continue
		}
		changes = append(changes, changeFor(b, t.status, &group.ID))
	}
	return changes
}

func (s *Service) applyInTx(ctx context.Context, approved, declined []*bookingmodels.Booking, group *models.Group) ([]models.Change, error) {
	targets := plan(approved, declined)
	if len(targets) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.booking.ID)
	}
	locked, err := s.bookings.LockByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	current := make(map[int64]*bookingmodels.Booking, len(locked))
	for _, b := range locked {
		current[b.ID] = b
	}

	actor := s.actor(ctx)
	now := requestcontext.Now(ctx)
	var (
		changes []models.Change
		stamp   []int64
	)
	for _, t := range targets {
		b, ok := current[t.booking.ID]
		if !ok || !b.IsActive() || b.ApprovalProtected {
			continue
		}
		stamp = append(stamp, b.ID)
		if b.ApprovalStatus == t.status {
			continue
		}
		if err := s.bookings.SetApproval(ctx, b.ID, t.status, false); err != nil {
			return nil, err
		}
		if err := s.audit.Append(ctx, audit.NewEntry(actor, b.ID, t.message, now)); err != nil {
			return nil, err
		}
		changes = append(changes, changeFor(b, t.status, &group.ID))
	}
	if err := s.bookings.SetApprovalGroup(ctx, stamp, &group.ID); err != nil {
		return nil, err
	}
	return changes, nil
}

// RunForGroup evaluates group over the live bookings of its invitees for
// eventTypeID and applies the result. A real MANUAL run stamps every live
// booking with the group, protected ones included.
func (s *Service) RunForGroup(ctx context.Context, group *models.Group, eventTypeID string, dryRun bool) ([]models.Change, error) {
	ctx, span := s.tracer.Start(ctx, "approval.RunForGroup", trace.WithAttributes(
		attribute.Int64("group.id", group.ID),
		attribute.String("group.policy", string(group.ApprovalType)),
		attribute.String("event_type.id", eventTypeID),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()

	if dryRun {
		decision, err := s.evaluate(ctx, group, eventTypeID)
		if err != nil {
			return nil, err
		}
		return s.Apply(ctx, decision.Approved, decision.Declined, group, true)
	}

	started := time.Now()
	var changes []models.Change
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		decision, err := s.evaluate(ctx, group, eventTypeID)
		if err != nil {
			return err
		}
		if len(decision.StampAll) > 0 {
			ids := make([]int64, 0, len(decision.StampAll))
			for _, b := range decision.StampAll {
				ids = append(ids, b.ID)
			}
			if err := s.bookings.SetApprovalGroup(ctx, ids, &group.ID); err != nil {
				return err
			}
		}
		changes, err = s.applyInTx(ctx, decision.Approved, decision.Declined, group)
		return err
	})
	s.metrics.ObserveApply(false, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "group run failed")
		return nil, internalUnlessCoded(err, "failed to run approval group")
	}
	s.afterCommit(ctx, changes, string(group.ApprovalType))
	return changes, nil
}

func (s *Service) evaluate(ctx context.Context, group *models.Group, eventTypeID string) (policy.Decision, error) {
	emails, err := s.groups.InviteeEmails(ctx, group.ID)
	if err != nil {
		return policy.Decision{}, err
	}
	live, err := s.bookings.ActiveFor(ctx, eventTypeID, dedupe.Emails(emails))
	if err != nil {
		return policy.Decision{}, err
	}
	return policy.Evaluate(group.ApprovalType, live)
}

// RunForBooking runs the policy that governs booking's owner. Bookings without
// an email are left alone; owners without a group get the no-group action.
func (s *Service) RunForBooking(ctx context.Context, booking *bookingmodels.Booking) ([]models.Change, error) {
	if !booking.HasOwner() {
		return nil, nil
	}
	invitee, err := s.groups.FindInvitee(ctx, booking.Email)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve invitee")
	}
	if invitee == nil || invitee.GroupID == nil {
		return s.applyNoGroup(ctx, booking)
	}

	group, err := s.groups.FindGroup(ctx, *invitee.GroupID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return s.applyNoGroup(ctx, booking)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load approval group")
	}
	return s.RunForGroup(ctx, group, booking.EventTypeID, false)
}

// applyNoGroup declines the booking when configured to; its attribution stays
// unstamped.
func (s *Service) applyNoGroup(ctx context.Context, booking *bookingmodels.Booking) ([]models.Change, error) {
	if s.noGroupAction != models.NoGroupDecline {
		return nil, nil
	}

	var changes []models.Change
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := s.bookings.LockByIDs(ctx, []int64{booking.ID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return nil
		}
		b := locked[0]
		if !b.IsActive() || b.ApprovalProtected || b.ApprovalStatus == bookingmodels.StatusDeclined {
			return nil
		}
		if err := s.bookings.SetApproval(ctx, b.ID, bookingmodels.StatusDeclined, false); err != nil {
			return err
		}
		entry := audit.NewEntry(s.actor(ctx), b.ID, audit.MessageDeclinedNoGroup, requestcontext.Now(ctx))
		if err := s.audit.Append(ctx, entry); err != nil {
			return err
		}
		changes = append(changes, changeFor(b, bookingmodels.StatusDeclined, nil))
		return nil
	})
	if err != nil {
		return nil, internalUnlessCoded(err, "failed to apply no-group action")
	}
	s.afterCommit(ctx, changes, "NO_GROUP")
	return changes, nil
}

func changeFor(b *bookingmodels.Booking, to bookingmodels.ApprovalStatus, groupID *int64) models.Change {
	return models.Change{
		BookingID:   b.ID,
		EventTypeID: b.EventTypeID,
		Email:       b.Email,
		From:        b.ApprovalStatus,
		To:          to,
		GroupID:     groupID,
		Protected:   b.ApprovalProtected,
	}
}

func internalUnlessCoded(err error, message string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, message)
}
