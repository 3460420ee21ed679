// Package policy decides which competing bookings a group approves.
//
// Evaluate is pure: it reads nothing but its arguments and ignores booking
// protection, which the executor enforces when writing.
package policy

import (
	"fmt"

	"spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
)

// Decision is the outcome of evaluating one group over its live bookings.
// StampAll is non-empty only for MANUAL groups: those bookings are attributed
// to the group without a status change.
type Decision struct {
	Approved []*bookingmodels.Booking
	Declined []*bookingmodels.Booking
	StampAll []*bookingmodels.Booking
}

// Evaluate applies policyType to live, which must be ordered by booked_at
// then id.
func Evaluate(policyType models.PolicyType, live []*bookingmodels.Booking) (Decision, error) {
	switch policyType {
	case models.PolicyFirstBooked:
		if len(live) == 0 {
			return Decision{}, nil
		}
		return Decision{
			Approved: live[:1:1],
			Declined: append([]*bookingmodels.Booking(nil), live[1:]...),
		}, nil
	case models.PolicyDecline:
		return Decision{Declined: append([]*bookingmodels.Booking(nil), live...)}, nil
	case models.PolicyManual:
		return Decision{StampAll: append([]*bookingmodels.Booking(nil), live...)}, nil
	}
	return Decision{}, fmt.Errorf("unknown approval policy %q", policyType)
}
