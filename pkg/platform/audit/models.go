package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one append-only audit record describing a real approval change on a
// booking. Dry runs never produce entries.
type Entry struct {
	ID        uuid.UUID
	Actor     string
	BookingID int64
	Message   string
	Timestamp time.Time
}

// Human-readable change summaries.
const (
	MessageApproved             = "Approved"
	MessageDeclined             = "Declined"
	MessageDeclinedNoGroup      = "Declined (no group)"
	MessageApprovedAndProtected = "Approved and protected"
	MessageDeclinedAndProtected = "Declined and protected"
	MessageApprovalReset        = "Approval reset"
)

// NewEntry stamps a fresh id on an entry.
func NewEntry(actor string, bookingID int64, message string, at time.Time) Entry {
	return Entry{
		ID:        uuid.New(),
		Actor:     actor,
		BookingID: bookingID,
		Message:   message,
		Timestamp: at,
	}
}
