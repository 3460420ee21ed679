package admin

import dErrors "spotkeeper/pkg/domain-errors"

// GroupRunRequest selects groups for an execute or preview run. An empty
// event type falls back to the configured default, then the latest one.
type GroupRunRequest struct {
	GroupIDs    []int64 `json:"group_ids"`
	EventTypeID string  `json:"event_type_id"`
}

func (r *GroupRunRequest) Validate() error {
	if len(r.GroupIDs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "group_ids is required")
	}
	return nil
}

type BookingIDsRequest struct {
	BookingIDs []int64 `json:"booking_ids"`
}

func (r *BookingIDsRequest) Validate() error {
	if len(r.BookingIDs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "booking_ids is required")
	}
	return nil
}

type UpsertGroupRequest struct {
	Name         string `json:"name"`
	ApprovalType string `json:"approval_type"`
}

func (r *UpsertGroupRequest) Validate() error {
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	return nil
}

// AssignInviteeRequest moves an email into a group; a null group_id detaches it.
type AssignInviteeRequest struct {
	Email   string `json:"email"`
	GroupID *int64 `json:"group_id"`
}

func (r *AssignInviteeRequest) Validate() error {
	if r.Email == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	return nil
}
