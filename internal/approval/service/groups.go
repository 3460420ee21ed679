package service

import (
	"context"
	"errors"
	"strings"

	"spotkeeper/internal/approval/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/sentinel"
)

// UpsertGroup creates a group or changes the policy of the group with the
// same name.
func (s *Service) UpsertGroup(ctx context.Context, name, approvalType string) (*models.Group, error) {
	policyType, err := models.ParsePolicyType(approvalType)
	if err != nil {
		return nil, err
	}
	group, err := models.NewGroup(name, policyType)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	if err := s.groups.UpsertGroup(ctx, group); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save approval group")
	}
	s.logAudit(ctx, "approval_group_saved",
		"group_id", group.ID,
		"policy", string(group.ApprovalType),
		"actor", s.actor(ctx),
	)
	return group, nil
}

func (s *Service) ListGroups(ctx context.Context) ([]*models.Group, error) {
	groups, err := s.groups.ListGroups(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list approval groups")
	}
	return groups, nil
}

// DeleteGroup removes a group that no booking is attributed to. Its invitees
// lose their group.
func (s *Service) DeleteGroup(ctx context.Context, id int64) error {
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		attributed, err := s.bookings.AttributedToGroup(ctx, id)
		if err != nil {
			return err
		}
		if attributed {
			return sentinel.ErrReferenced
		}
		return s.groups.DeleteGroup(ctx, id)
	})
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "approval group not found")
	case errors.Is(err, sentinel.ErrReferenced):
		return dErrors.New(dErrors.CodeConflict, "approval group is still referenced by bookings")
	default:
		return internalUnlessCoded(err, "failed to delete approval group")
	}
	s.logAudit(ctx, "approval_group_deleted",
		"group_id", id,
		"actor", s.actor(ctx),
	)
	return nil
}

// AssignInvitee puts email in the group, or in no group when groupID is nil.
func (s *Service) AssignInvitee(ctx context.Context, email string, groupID *int64) (*models.Invitee, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, dErrors.New(dErrors.CodeValidation, "a valid email is required")
	}
	invitee := models.Invitee{Email: email, GroupID: groupID}
	if err := s.groups.UpsertInvitee(ctx, invitee); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "approval group not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save invitee")
	}
	s.logAudit(ctx, "invitee_assigned",
		"email", email,
		"actor", s.actor(ctx),
	)
	return &invitee, nil
}
