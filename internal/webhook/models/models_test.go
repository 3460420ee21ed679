package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "spotkeeper/pkg/domain-errors"
)

const createdBody = `{
	"event": "invitee.created",
	"payload": {
		"invitee": {"uuid": "inv-1", "email": "Ada@Example.com", "created_at": "2026-04-01T08:00:00.123456Z"},
		"event": {"invitee_start_time": "2026-04-10T14:30:00-04:00", "invitee_end_time": "2026-04-10T14:40:00-04:00"},
		"event_type": {"uuid": "evt-1"}
	}
}`

func TestParseDelivery(t *testing.T) {
	t.Run("valid created event", func(t *testing.T) {
		d, err := ParseDelivery([]byte(createdBody))
		require.NoError(t, err)
		assert.Equal(t, EventCreated, d.Kind)
		assert.Equal(t, "inv-1", d.CorrelationID)
		assert.Contains(t, string(d.Raw), `"uuid": "inv-1"`)
	})

	cases := []struct {
		name string
		body string
		code dErrors.Code
		msg  string
	}{
		{"malformed JSON", `{"event":`, dErrors.CodeBadRequest, "malformed JSON"},
		{"missing event", `{"payload":{"invitee":{"uuid":"x"}}}`, dErrors.CodeValidation, "data not complete"},
		{"missing payload", `{"event":"invitee.created"}`, dErrors.CodeValidation, "data not complete"},
		{"unknown event", `{"event":"invitee.rescheduled","payload":{"invitee":{"uuid":"x"}}}`, dErrors.CodeBadRequest, "event not recognized"},
		{"missing invitee uuid", `{"event":"invitee.canceled","payload":{"invitee":{}}}`, dErrors.CodeValidation, "data not complete"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDelivery([]byte(tc.body))
			require.Error(t, err)
			de, ok := dErrors.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.code, de.Code)
			assert.Equal(t, tc.msg, de.Message)
		})
	}
}

func TestNewBooking(t *testing.T) {
	t.Run("maps provider fields", func(t *testing.T) {
		d, err := ParseDelivery([]byte(createdBody))
		require.NoError(t, err)

		b, a, err := d.NewBooking()
		require.NoError(t, err)
		assert.Equal(t, "evt-1", b.EventTypeID)
		assert.Equal(t, "ada@example.com", b.Email)
		assert.Equal(t, time.Date(2026, 4, 10, 18, 30, 0, 0, time.UTC), b.SpotStart)
		assert.Equal(t, time.Date(2026, 4, 1, 8, 0, 0, 123456000, time.UTC), b.BookedAt)
		assert.Equal(t, "inv-1", a.CorrelationID)
		assert.JSONEq(t, string(d.Raw), string(a.Payload))
	})

	t.Run("empty email is allowed", func(t *testing.T) {
		d, err := ParseDelivery([]byte(`{"event":"invitee.created","payload":{
			"invitee":{"uuid":"inv-2","email":"","created_at":"2026-04-01T08:00:00Z"},
			"event":{"invitee_start_time":"2026-04-10T14:30:00Z","invitee_end_time":"2026-04-10T14:40:00Z"},
			"event_type":{"uuid":"evt-1"}}}`))
		require.NoError(t, err)
		b, _, err := d.NewBooking()
		require.NoError(t, err)
		assert.False(t, b.HasOwner())
	})

	t.Run("missing email is incomplete", func(t *testing.T) {
		d, err := ParseDelivery([]byte(`{"event":"invitee.created","payload":{
			"invitee":{"uuid":"inv-3","created_at":"2026-04-01T08:00:00Z"},
			"event":{"invitee_start_time":"2026-04-10T14:30:00Z","invitee_end_time":"2026-04-10T14:40:00Z"},
			"event_type":{"uuid":"evt-1"}}}`))
		require.NoError(t, err)
		_, _, err = d.NewBooking()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("unparseable timestamp", func(t *testing.T) {
		d, err := ParseDelivery([]byte(`{"event":"invitee.created","payload":{
			"invitee":{"uuid":"inv-4","email":"a@x","created_at":"yesterday"},
			"event":{"invitee_start_time":"2026-04-10T14:30:00Z","invitee_end_time":"2026-04-10T14:40:00Z"},
			"event_type":{"uuid":"evt-1"}}}`))
		require.NoError(t, err)
		_, _, err = d.NewBooking()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("end before start", func(t *testing.T) {
		d, err := ParseDelivery([]byte(`{"event":"invitee.created","payload":{
			"invitee":{"uuid":"inv-5","email":"a@x","created_at":"2026-04-01T08:00:00Z"},
			"event":{"invitee_start_time":"2026-04-10T14:40:00Z","invitee_end_time":"2026-04-10T14:30:00Z"},
			"event_type":{"uuid":"evt-1"}}}`))
		require.NoError(t, err)
		_, _, err = d.NewBooking()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}
