package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"spotkeeper/internal/booking/models"
	"spotkeeper/pkg/platform/sentinel"
	"spotkeeper/pkg/platform/tx"
	"spotkeeper/pkg/requestcontext"
)

type BookingStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	base  time.Time
}

func TestBookingStoreSuite(t *testing.T) {
	suite.Run(t, new(BookingStoreSuite))
}

func (s *BookingStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.base)
}

func (s *BookingStoreSuite) create(eventType, email, correlationID string, bookedAt time.Time) *models.Booking {
	b, err := models.NewBooking(eventType, email, s.base.Add(24*time.Hour), s.base.Add(25*time.Hour), bookedAt)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, b, &models.Attribution{
		CorrelationID: correlationID,
		Payload:       json.RawMessage(`{"event":"invitee.created"}`),
	}))
	return b
}

func (s *BookingStoreSuite) TestCreateAndLookups() {
	b := s.create("evt-1", "ada@example.com", "inv-1", s.base)
	s.NotZero(b.ID)
	s.Equal(models.StatusNew, b.ApprovalStatus)

	s.Run("finds by id and correlation id", func() {
		byID, err := s.store.FindByID(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Equal("ada@example.com", byID.Email)
		s.Require().NotNil(byID.Attribution)
		s.Equal("inv-1", byID.Attribution.CorrelationID)

		byCorrelation, err := s.store.FindByCorrelationID(s.ctx, "inv-1")
		s.Require().NoError(err)
		s.Equal(b.ID, byCorrelation.ID)
	})

	s.Run("duplicate correlation id is a conflict and writes nothing", func() {
		dup, err := models.NewBooking("evt-1", "bob@example.com", s.base, s.base.Add(time.Hour), s.base)
		s.Require().NoError(err)
		err = s.store.Create(s.ctx, dup, &models.Attribution{CorrelationID: "inv-1"})
		s.Require().ErrorIs(err, sentinel.ErrConflict)
		s.Equal(1, s.store.Count())
	})

	s.Run("unknown ids are not found", func() {
		_, err := s.store.FindByID(s.ctx, 999)
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.FindByCorrelationID(s.ctx, "missing")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("returned bookings are copies", func() {
		found, err := s.store.FindByID(s.ctx, b.ID)
		s.Require().NoError(err)
		found.ApprovalStatus = models.StatusApproved

		again, err := s.store.FindByID(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusNew, again.ApprovalStatus)
	})
}

func (s *BookingStoreSuite) TestCreateStartsNewAndUnprotected() {
	b, err := models.NewBooking("evt-1", "ada@example.com", s.base, s.base.Add(time.Hour), s.base)
	s.Require().NoError(err)
	b.ApprovalStatus = models.StatusApproved
	b.ApprovalProtected = true

	s.Require().NoError(s.store.Create(s.ctx, b, &models.Attribution{CorrelationID: "inv-1"}))
	s.Equal(models.StatusNew, b.ApprovalStatus)
	s.False(b.ApprovalProtected)

	found, err := s.store.FindByID(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusNew, found.ApprovalStatus)
	s.False(found.ApprovalProtected)
}

func (s *BookingStoreSuite) TestSoftDeleteIsIdempotent() {
	b := s.create("evt-1", "ada@example.com", "inv-1", s.base)
	s.Require().NoError(s.store.SetApproval(s.ctx, b.ID, models.StatusApproved, false))

	n, err := s.store.SoftDelete(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(1, n)

	first, err := s.store.FindByID(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Require().NotNil(first.CancelledAt)
	s.Equal(models.StatusApproved, first.ApprovalStatus)

	later := requestcontext.WithTime(context.Background(), s.base.Add(time.Hour))
	n, err = s.store.SoftDelete(later, b.ID)
	s.Require().NoError(err)
	s.Equal(0, n)

	second, err := s.store.FindByID(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(*first.CancelledAt, *second.CancelledAt)
	s.Equal(models.StatusApproved, second.ApprovalStatus)
}

func (s *BookingStoreSuite) TestViews() {
	live := s.create("evt-1", "ada@example.com", "inv-1", s.base)
	gone := s.create("evt-1", "bob@example.com", "inv-2", s.base.Add(time.Minute))
	_, err := s.store.SoftDelete(s.ctx, gone.ID)
	s.Require().NoError(err)

	ids := func(view models.View) []int64 {
		list, err := s.store.List(s.ctx, view, models.Filter{})
		s.Require().NoError(err)
		var out []int64
		for _, b := range list {
			out = append(out, b.ID)
		}
		return out
	}

	s.Equal([]int64{live.ID}, ids(models.ViewActive))
	s.Equal([]int64{live.ID, gone.ID}, ids(models.ViewAll))
	s.Equal([]int64{gone.ID}, ids(models.ViewCancelled))

	s.Run("restore brings the row back to the active view", func() {
		s.Require().NoError(s.store.Restore(s.ctx, gone.ID))
		s.Equal([]int64{live.ID, gone.ID}, ids(models.ViewActive))
	})
}

func (s *BookingStoreSuite) TestActiveForOrdersByBookedAtThenID() {
	tie := s.base.Add(time.Minute)
	late := s.create("evt-1", "ada@example.com", "inv-1", s.base.Add(time.Hour))
	tieA := s.create("evt-1", "bob@example.com", "inv-2", tie)
	tieB := s.create("evt-1", "cy@example.com", "inv-3", tie)
	s.create("evt-2", "ada@example.com", "inv-4", s.base)
	s.create("evt-1", "stranger@example.com", "inv-5", s.base)
	cancelled := s.create("evt-1", "ada@example.com", "inv-6", s.base)
	_, err := s.store.SoftDelete(s.ctx, cancelled.ID)
	s.Require().NoError(err)

	got, err := s.store.ActiveFor(s.ctx, "evt-1", []string{"ada@example.com", "bob@example.com", "cy@example.com"})
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	s.Equal([]int64{tieA.ID, tieB.ID, late.ID}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func (s *BookingStoreSuite) TestHardDeleteOnlyRemovesCancelledRows() {
	live := s.create("evt-1", "ada@example.com", "inv-1", s.base)
	gone := s.create("evt-1", "bob@example.com", "inv-2", s.base)
	_, err := s.store.SoftDelete(s.ctx, gone.ID)
	s.Require().NoError(err)

	n, err := s.store.HardDelete(s.ctx, live.ID, gone.ID)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(1, s.store.Count())

	_, err = s.store.FindByCorrelationID(s.ctx, "inv-2")
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.Run("correlation id is reusable after purge", func() {
		s.create("evt-1", "bob@example.com", "inv-2", s.base)
	})
}

func (s *BookingStoreSuite) TestApprovalGroupStamping() {
	a := s.create("evt-1", "ada@example.com", "inv-1", s.base)
	b := s.create("evt-1", "bob@example.com", "inv-2", s.base)
	group := int64(42)

	s.Require().NoError(s.store.SetApprovalGroup(s.ctx, []int64{a.ID, b.ID}, &group))

	attributed, err := s.store.AttributedToGroup(s.ctx, group)
	s.Require().NoError(err)
	s.True(attributed)

	list, err := s.store.List(s.ctx, models.ViewActive, models.Filter{ApprovalGroupID: &group})
	s.Require().NoError(err)
	s.Len(list, 2)

	s.Require().NoError(s.store.SetApprovalGroup(s.ctx, []int64{a.ID, b.ID}, nil))
	attributed, err = s.store.AttributedToGroup(s.ctx, group)
	s.Require().NoError(err)
	s.False(attributed)
}

func (s *BookingStoreSuite) TestLatestEventType() {
	_, err := s.store.LatestEventType(s.ctx)
	s.ErrorIs(err, sentinel.ErrNotFound)

	early, err := models.NewBooking("evt-early", "a@example.com", s.base, s.base.Add(time.Hour), s.base)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, early, &models.Attribution{CorrelationID: "inv-1"}))
	late, err := models.NewBooking("evt-late", "a@example.com", s.base.Add(48*time.Hour), s.base.Add(49*time.Hour), s.base)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, late, &models.Attribution{CorrelationID: "inv-2"}))

	got, err := s.store.LatestEventType(s.ctx)
	s.Require().NoError(err)
	s.Equal("evt-late", got)

	_, err = s.store.SoftDelete(s.ctx, late.ID)
	s.Require().NoError(err)
	got, err = s.store.LatestEventType(s.ctx)
	s.Require().NoError(err)
	s.Equal("evt-early", got)
}

func (s *BookingStoreSuite) TestRollbackThroughMemoryRunner() {
	b := s.create("evt-1", "ada@example.com", "inv-1", s.base)
	runner := tx.NewMemoryRunner(s.store)
	boom := errors.New("boom")

	err := runner.RunInTx(s.ctx, func(ctx context.Context) error {
		s.Require().NoError(s.store.SetApproval(ctx, b.ID, models.StatusDeclined, true))
		_, err := s.store.SoftDelete(ctx, b.ID)
		s.Require().NoError(err)
		return boom
	})
	s.Require().ErrorIs(err, boom)

	found, err := s.store.FindByID(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusNew, found.ApprovalStatus)
	s.False(found.ApprovalProtected)
	s.Nil(found.CancelledAt)
}
