package models

import (
	"html"
	"regexp"
	"strings"
	"time"
)

// Report is the student-facing allocation overview for one event type.
type Report struct {
	EventTypeID   string       `json:"event_type_id"`
	Announcement  string       `json:"announcement"`
	DeclinedCount int          `json:"declined_count"`
	Groups        []GroupRow   `json:"groups"`
	Bookings      []BookingRow `json:"bookings"`
}

// GroupRow summarizes one group. Booking is the group's first approved live
// booking; Warning is set when it has none.
type GroupRow struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	ApprovalType  string      `json:"approval_type"`
	Booking       *BookingRow `json:"booking,omitempty"`
	Warning       bool        `json:"warning"`
	DeclinedCount int         `json:"declined_count"`
}

type BookingRow struct {
	ID        int64     `json:"id"`
	GroupName string    `json:"group"`
	Email     string    `json:"email"`
	SpotStart time.Time `json:"spot_start"`
	SpotEnd   time.Time `json:"spot_end"`
	BookedAt  time.Time `json:"booked_at"`
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// StripTags removes markup from an announcement for plain-text output.
func StripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(s, "")))
}
