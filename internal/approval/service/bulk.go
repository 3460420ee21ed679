package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/audit"
	"spotkeeper/pkg/platform/dedupe"
	"spotkeeper/pkg/platform/sentinel"
	"spotkeeper/pkg/requestcontext"
)

// ExecuteGroups runs each group's policy for the event type. Groups are
// independent: a failing group is reported in its result and the rest still
// run.
func (s *Service) ExecuteGroups(ctx context.Context, groupIDs []int64, eventTypeID string) ([]models.GroupResult, error) {
	return s.runGroups(ctx, groupIDs, eventTypeID, false)
}

// PreviewGroups is ExecuteGroups as a dry run.
func (s *Service) PreviewGroups(ctx context.Context, groupIDs []int64, eventTypeID string) ([]models.GroupResult, error) {
	return s.runGroups(ctx, groupIDs, eventTypeID, true)
}

func (s *Service) runGroups(ctx context.Context, groupIDs []int64, eventTypeID string, dryRun bool) ([]models.GroupResult, error) {
	groupIDs = dedupe.Values(groupIDs)
	if len(groupIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "group_ids is required")
	}
	eventTypeID, err := s.ResolveEventType(ctx, eventTypeID)
	if err != nil {
		return nil, err
	}

	results := make([]models.GroupResult, 0, len(groupIDs))
	for _, id := range groupIDs {
		result := models.GroupResult{GroupID: id}
		group, err := s.groups.FindGroup(ctx, id)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				result.Err = dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("approval group %d not found", id))
			} else {
				result.Err = dErrors.Wrap(err, dErrors.CodePolicyExecution, fmt.Sprintf("Error while loading group %d", id))
			}
			results = append(results, result)
			continue
		}

		result.GroupName = group.Name
		changes, err := s.RunForGroup(ctx, group, eventTypeID, dryRun)
		if err != nil {
			s.metrics.IncrementGroupFailure()
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "group policy run failed",
					"group_id", group.ID,
					"group", group.Name,
					"dry_run", dryRun,
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
			}
			result.Err = dErrors.Wrap(err, dErrors.CodePolicyExecution,
				fmt.Sprintf("Error while executing policy for group %s", group.Name))
		}
		result.Changes = changes
		results = append(results, result)
	}
	return results, nil
}

// ResolveEventType picks the explicit event type, else the configured
// default, else the event type of the live booking with the latest spot.
func (s *Service) ResolveEventType(ctx context.Context, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	if s.defaultEventType != "" {
		return s.defaultEventType, nil
	}
	latest, err := s.bookings.LatestEventType(ctx)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.New(dErrors.CodeNotFound, "no event type available")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve event type")
	}
	return latest, nil
}

// ApproveAndProtect approves the bookings and shields them from policy runs.
func (s *Service) ApproveAndProtect(ctx context.Context, bookingIDs []int64) ([]models.Change, error) {
	return s.override(ctx, bookingIDs, bookingmodels.StatusApproved, true, audit.MessageApprovedAndProtected)
}

// DeclineAndProtect declines the bookings and shields them from policy runs.
func (s *Service) DeclineAndProtect(ctx context.Context, bookingIDs []int64) ([]models.Change, error) {
	return s.override(ctx, bookingIDs, bookingmodels.StatusDeclined, true, audit.MessageDeclinedAndProtected)
}

// ResetApproval returns the bookings to NEW and lifts their protection.
func (s *Service) ResetApproval(ctx context.Context, bookingIDs []int64) ([]models.Change, error) {
	return s.override(ctx, bookingIDs, bookingmodels.StatusNew, false, audit.MessageApprovalReset)
}

// override sets status and protection on active bookings in one transaction.
// Any unknown or cancelled id aborts the whole call before a write.
func (s *Service) override(ctx context.Context, bookingIDs []int64, status bookingmodels.ApprovalStatus, protected bool, message string) ([]models.Change, error) {
	bookingIDs = dedupe.Values(bookingIDs)
	if len(bookingIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "booking_ids is required")
	}

	var changes []models.Change
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		changes = nil
		locked, err := s.bookings.LockByIDs(ctx, bookingIDs)
		if err != nil {
			return err
		}
		found := make(map[int64]*bookingmodels.Booking, len(locked))
		for _, b := range locked {
			found[b.ID] = b
		}
		for _, id := range bookingIDs {
			if b, ok := found[id]; !ok || !b.IsActive() {
				return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("booking %d not found", id))
			}
		}

		actor := s.actor(ctx)
		now := requestcontext.Now(ctx)
		for _, id := range bookingIDs {
			b := found[id]
			if err := s.bookings.SetApproval(ctx, id, status, protected); err != nil {
				return err
			}
			if err := s.audit.Append(ctx, audit.NewEntry(actor, id, message, now)); err != nil {
				return err
			}
			change := changeFor(b, status, b.GroupID())
			change.Protected = protected
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, internalUnlessCoded(err, "failed to update bookings")
	}
	s.afterCommit(ctx, changes, "OVERRIDE")
	return changes, nil
}
