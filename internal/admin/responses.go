package admin

import (
	"time"

	"github.com/google/uuid"

	approvalmodels "spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/audit"
)

type GroupResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ApprovalType string `json:"approval_type"`
}

type GroupsListResponse struct {
	Groups []*GroupResponse `json:"groups"`
	Total  int              `json:"total"`
}

type GroupRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

type ChangeResponse struct {
	BookingID int64  `json:"booking_id"`
	Email     string `json:"email"`
	From      string `json:"from"`
	To        string `json:"to"`
	GroupID   *int64 `json:"group_id"`
	Protected bool   `json:"protected"`
}

// GroupRunResponse is one group's outcome; Error is set when the group's
// run was rolled back.
type GroupRunResponse struct {
	Group   GroupRef          `json:"group"`
	Changed []*ChangeResponse `json:"changed"`
	Error   string            `json:"error,omitempty"`
}

type GroupRunsResponse struct {
	DryRun  bool                `json:"dry_run"`
	Results []*GroupRunResponse `json:"results"`
}

type ChangesResponse struct {
	Changed []*ChangeResponse `json:"changed"`
}

type AffectedResponse struct {
	Affected int `json:"affected"`
}

type BookingResponse struct {
	ID                int64      `json:"id"`
	EventTypeID       string     `json:"event_type_id"`
	Email             string     `json:"email"`
	SpotStart         time.Time  `json:"spot_start"`
	SpotEnd           time.Time  `json:"spot_end"`
	BookedAt          time.Time  `json:"booked_at"`
	ApprovalStatus    string     `json:"approval_status"`
	ApprovalProtected bool       `json:"approval_protected"`
	ApprovalGroupID   *int64     `json:"approval_group_id"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
}

type BookingsListResponse struct {
	Bookings []*BookingResponse `json:"bookings"`
	Total    int                `json:"total"`
}

type InviteeResponse struct {
	Email   string `json:"email"`
	GroupID *int64 `json:"group_id"`
}

type AuditEntryResponse struct {
	ID        uuid.UUID `json:"id"`
	Actor     string    `json:"actor"`
	BookingID int64     `json:"booking_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type AuditListResponse struct {
	Entries []*AuditEntryResponse `json:"entries"`
	Total   int                   `json:"total"`
}

func toGroupResponse(g *approvalmodels.Group) *GroupResponse {
	return &GroupResponse{ID: g.ID, Name: g.Name, ApprovalType: string(g.ApprovalType)}
}

func toChangesResponse(changes []approvalmodels.Change) []*ChangeResponse {
	out := make([]*ChangeResponse, 0, len(changes))
	for _, c := range changes {
		out = append(out, &ChangeResponse{
			BookingID: c.BookingID,
			Email:     c.Email,
			From:      string(c.From),
			To:        string(c.To),
			GroupID:   c.GroupID,
			Protected: c.Protected,
		})
	}
	return out
}

// toGroupRunsResponse reports a failed group inline. A policy execution failure
// carries its cause so the operator can see what broke; any other coded error
// shows only its message.
func toGroupRunsResponse(results []approvalmodels.GroupResult, dryRun bool) *GroupRunsResponse {
	resp := &GroupRunsResponse{DryRun: dryRun, Results: make([]*GroupRunResponse, 0, len(results))}
	for _, r := range results {
		item := &GroupRunResponse{
			Group:   GroupRef{ID: r.GroupID, Name: r.GroupName},
			Changed: toChangesResponse(r.Changes),
		}
		if r.Err != nil {
			de, ok := dErrors.As(r.Err)
			switch {
			case ok && de.Code == dErrors.CodePolicyExecution:
				item.Error = r.Err.Error()
			case ok:
				item.Error = de.Message
			default:
				item.Error = "group run failed"
			}
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

func toBookingResponse(b *bookingmodels.Booking) *BookingResponse {
	return &BookingResponse{
		ID:                b.ID,
		EventTypeID:       b.EventTypeID,
		Email:             b.Email,
		SpotStart:         b.SpotStart,
		SpotEnd:           b.SpotEnd,
		BookedAt:          b.BookedAt,
		ApprovalStatus:    string(b.ApprovalStatus),
		ApprovalProtected: b.ApprovalProtected,
		ApprovalGroupID:   b.GroupID(),
		CancelledAt:       b.CancelledAt,
	}
}

func toAuditEntryResponse(e audit.Entry) *AuditEntryResponse {
	return &AuditEntryResponse{
		ID:        e.ID,
		Actor:     e.Actor,
		BookingID: e.BookingID,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
}
