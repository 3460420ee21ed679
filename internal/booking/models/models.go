// Package models defines bookings and their provider attribution.
//
// A booking is live while CancelledAt is nil. Soft deletion hides it from
// allocation and from the active view without touching its approval state.
package models

import (
	"encoding/json"
	"strings"
	"time"

	dErrors "spotkeeper/pkg/domain-errors"
)

type ApprovalStatus string

const (
	StatusNew      ApprovalStatus = "NEW"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusDeclined ApprovalStatus = "DECLINED"
)

func (s ApprovalStatus) IsValid() bool {
	switch s {
	case StatusNew, StatusApproved, StatusDeclined:
		return true
	}
	return false
}

func (s ApprovalStatus) String() string {
	return string(s)
}

// View selects a projection over the single bookings table.
type View string

const (
	ViewActive    View = "active"
	ViewAll       View = "all"
	ViewCancelled View = "cancelled"
)

// ParseView maps a query value onto a View; empty means active.
func ParseView(raw string) (View, error) {
	switch View(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ViewActive:
		return ViewActive, nil
	case ViewAll:
		return ViewAll, nil
	case ViewCancelled:
		return ViewCancelled, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "view must be one of active, all, cancelled")
}

// Includes reports whether a row with the given cancellation state belongs to v.
func (v View) Includes(cancelledAt *time.Time) bool {
	switch v {
	case ViewAll:
		return true
	case ViewCancelled:
		return cancelledAt != nil
	default:
		return cancelledAt == nil
	}
}

type Booking struct {
	ID                int64
	EventTypeID       string
	Email             string
	SpotStart         time.Time
	SpotEnd           time.Time
	BookedAt          time.Time
	ApprovalStatus    ApprovalStatus
	ApprovalProtected bool
	CancelledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// Attribution is populated on reads; nil only for rows created without one.
	Attribution *Attribution
}

// NewBooking validates the provider fields of a fresh booking. The email is
// normalized so that it matches invitee keys.
func NewBooking(eventTypeID, email string, spotStart, spotEnd, bookedAt time.Time) (*Booking, error) {
	eventTypeID = strings.TrimSpace(eventTypeID)
	if eventTypeID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "event type is required")
	}
	if spotStart.IsZero() || spotEnd.IsZero() || bookedAt.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "spot and booking times are required")
	}
	if spotEnd.Before(spotStart) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "spot end precedes spot start")
	}
	return &Booking{
		EventTypeID:    eventTypeID,
		Email:          NormalizeEmail(email),
		SpotStart:      spotStart.UTC(),
		SpotEnd:        spotEnd.UTC(),
		BookedAt:       bookedAt.UTC(),
		ApprovalStatus: StatusNew,
	}, nil
}

func (b *Booking) IsActive() bool {
	return b.CancelledAt == nil
}

// HasOwner reports whether the booking can be matched to an invitee.
func (b *Booking) HasOwner() bool {
	return b.Email != ""
}

// GroupID returns the group whose policy last evaluated the booking.
func (b *Booking) GroupID() *int64 {
	if b.Attribution == nil {
		return nil
	}
	return b.Attribution.ApprovalGroupID
}

// Clone returns a deep copy so stores never hand out shared state.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.CancelledAt != nil {
		at := *b.CancelledAt
		c.CancelledAt = &at
	}
	c.Attribution = b.Attribution.Clone()
	return &c
}

// Attribution links a booking to its provider record and to the group that
// evaluated it.
type Attribution struct {
	BookingID       int64
	CorrelationID   string
	Payload         json.RawMessage
	ApprovalGroupID *int64
}

func (a *Attribution) Clone() *Attribution {
	if a == nil {
		return nil
	}
	c := *a
	c.Payload = append(json.RawMessage(nil), a.Payload...)
	if a.ApprovalGroupID != nil {
		id := *a.ApprovalGroupID
		c.ApprovalGroupID = &id
	}
	return &c
}

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	EventTypeID     string
	Email           string
	ApprovalGroupID *int64
	Status          ApprovalStatus
}

// Matches applies the filter to b.
func (f Filter) Matches(b *Booking) bool {
	if f.EventTypeID != "" && b.EventTypeID != f.EventTypeID {
		return false
	}
	if f.Email != "" && b.Email != NormalizeEmail(f.Email) {
		return false
	}
	if f.Status != "" && b.ApprovalStatus != f.Status {
		return false
	}
	if f.ApprovalGroupID != nil {
		gid := b.GroupID()
		if gid == nil || *gid != *f.ApprovalGroupID {
			return false
		}
	}
	return true
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
