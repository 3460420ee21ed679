package models

import (
	"encoding/json"
	"strings"
	"time"

	bookingmodels "spotkeeper/internal/booking/models"
	dErrors "spotkeeper/pkg/domain-errors"
)

// EventKind is the provider's event name.
type EventKind string

const (
	EventCreated  EventKind = "invitee.created"
	EventCanceled EventKind = "invitee.canceled"
)

func (k EventKind) IsValid() bool {
	return k == EventCreated || k == EventCanceled
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Payload holds the provider fields a booking is built from. Email is a
// pointer so an absent field can be told apart from an empty one.
type Payload struct {
	Invitee struct {
		UUID      string  `json:"uuid"`
		Email     *string `json:"email"`
		CreatedAt string  `json:"created_at"`
	} `json:"invitee"`
	Event struct {
		InviteeStartTime string `json:"invitee_start_time"`
		InviteeEndTime   string `json:"invitee_end_time"`
	} `json:"event"`
	EventType struct {
		UUID string `json:"uuid"`
	} `json:"event_type"`
}

// Delivery is one validated webhook call.
type Delivery struct {
	Kind          EventKind
	CorrelationID string
	Payload       Payload
	Raw           json.RawMessage
}

var errIncomplete = dErrors.New(dErrors.CodeValidation, "data not complete")

// ParseDelivery validates the envelope. Booking fields are checked later by
// NewBooking, since a cancel for a known booking does not need them.
func ParseDelivery(body []byte) (*Delivery, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed JSON")
	}
	if env.Event == "" || len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, errIncomplete
	}
	kind := EventKind(env.Event)
	if !kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "event not recognized")
	}

	var p Payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed payload")
	}
	correlationID := strings.TrimSpace(p.Invitee.UUID)
	if correlationID == "" {
		return nil, errIncomplete
	}
	return &Delivery{
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       p,
		Raw:           env.Payload,
	}, nil
}

// NewBooking builds the booking the delivery describes and its attribution.
func (d *Delivery) NewBooking() (*bookingmodels.Booking, *bookingmodels.Attribution, error) {
	p := d.Payload
	if p.EventType.UUID == "" || p.Invitee.Email == nil {
		return nil, nil, errIncomplete
	}
	spotStart, err := parseTime(p.Event.InviteeStartTime)
	if err != nil {
		return nil, nil, err
	}
	spotEnd, err := parseTime(p.Event.InviteeEndTime)
	if err != nil {
		return nil, nil, err
	}
	bookedAt, err := parseTime(p.Invitee.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	booking, err := bookingmodels.NewBooking(p.EventType.UUID, *p.Invitee.Email, spotStart, spotEnd, bookedAt)
	if err != nil {
		return nil, nil, dErrors.New(dErrors.CodeValidation, err.Error())
	}
	attribution := &bookingmodels.Attribution{
		CorrelationID: d.CorrelationID,
		Payload:       d.Raw,
	}
	return booking, attribution, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errIncomplete
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid timestamp "+raw)
	}
	return t, nil
}
