package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	bookingmodels "spotkeeper/internal/booking/models"
	dErrors "spotkeeper/pkg/domain-errors"
)

// PolicyType names how a group resolves competing bookings.
type PolicyType string

const (
	PolicyFirstBooked PolicyType = "FIRST_BOOKED"
	PolicyDecline     PolicyType = "DECLINE"
	PolicyManual      PolicyType = "MANUAL"
)

// ParsePolicyType accepts a policy name case-insensitively. Empty means MANUAL.
func ParsePolicyType(raw string) (PolicyType, error) {
	switch p := PolicyType(strings.ToUpper(strings.TrimSpace(raw))); p {
	case "":
		return PolicyManual, nil
	case PolicyFirstBooked, PolicyDecline, PolicyManual:
		return p, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "approval_type must be one of FIRST_BOOKED, DECLINE, MANUAL")
}

func (p PolicyType) String() string {
	return string(p)
}

type Group struct {
	ID           int64
	Name         string
	ApprovalType PolicyType
}

func NewGroup(name string, approvalType PolicyType) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "group name is required")
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "group name must be at most 128 characters")
	}
	if approvalType == "" {
		approvalType = PolicyManual
	}
	return &Group{Name: name, ApprovalType: approvalType}, nil
}

// Invitee maps an email to the group whose policy governs its bookings.
type Invitee struct {
	Email   string
	GroupID *int64
}

// NoGroupAction is applied to bookings whose owner has no group.
type NoGroupAction string

const (
	NoGroupDecline NoGroupAction = "DECLINE"
	NoGroupManual  NoGroupAction = "MANUAL"
)

// Change describes one booking whose approval status was, or in a dry run
// would be, changed.
type Change struct {
	BookingID   int64
	EventTypeID string
	Email       string
	From        bookingmodels.ApprovalStatus
	To          bookingmodels.ApprovalStatus
	GroupID     *int64
	Protected   bool
}

// GroupResult is the outcome of one group within a bulk run. Err is a
// policy_execution error when the group's run failed.
type GroupResult struct {
	GroupID   int64
	GroupName string
	Changes   []Change
	Err       error
}

// DecisionEvent is published after a committed change.
type DecisionEvent struct {
	ID          uuid.UUID `json:"id"`
	BookingID   int64     `json:"booking_id"`
	EventTypeID string    `json:"event_type_id"`
	Email       string    `json:"email"`
	Status      string    `json:"status"`
	GroupID     *int64    `json:"group_id"`
	Actor       string    `json:"actor"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewDecisionEvent builds the event for a committed change.
func NewDecisionEvent(c Change, actor string, at time.Time) DecisionEvent {
	return DecisionEvent{
		ID:          uuid.New(),
		BookingID:   c.BookingID,
		EventTypeID: c.EventTypeID,
		Email:       c.Email,
		Status:      string(c.To),
		GroupID:     c.GroupID,
		Actor:       actor,
		OccurredAt:  at.UTC(),
	}
}
