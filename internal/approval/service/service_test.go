package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/mock/gomock"

	"spotkeeper/internal/approval/models"
	"spotkeeper/internal/approval/service/mocks"
	approvalstore "spotkeeper/internal/approval/store"
	bookingmodels "spotkeeper/internal/booking/models"
	bookingstore "spotkeeper/internal/booking/store"
	"spotkeeper/internal/platform/metrics"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/audit"
	auditmemory "spotkeeper/pkg/platform/audit/store/memory"
	"spotkeeper/pkg/platform/tx"
	"spotkeeper/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks AuditStore,DecisionPublisher

const eventType = "evt-2026"

type ExecutorSuite struct {
	suite.Suite
	ctx      context.Context
	base     time.Time
	bookings *bookingstore.InMemoryStore
	groups   *approvalstore.InMemoryStore
	audit    *auditmemory.InMemoryStore
	metrics  *metrics.Metrics
	svc      *Service
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(ExecutorSuite))
}

func (s *ExecutorSuite) SetupTest() {
	s.base = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.base.Add(time.Hour))
	s.bookings = bookingstore.NewInMemory()
	s.groups = approvalstore.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.metrics = metrics.NewWithRegisterer(prometheus.NewRegistry())
	s.svc = s.newService(s.audit)
}

func (s *ExecutorSuite) newService(auditStore AuditStore, opts ...Option) *Service {
	participants := []tx.Snapshotter{s.bookings, s.groups, s.audit}
	runner := tx.NewMemoryRunner(participants...)
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
		WithActor("approval-bot"),
	}
	return New(s.bookings, s.groups, auditStore, runner, append(base, opts...)...)
}

func (s *ExecutorSuite) group(name string, policy models.PolicyType, emails ...string) *models.Group {
	g, err := models.NewGroup(name, policy)
	s.Require().NoError(err)
	s.Require().NoError(s.groups.UpsertGroup(s.ctx, g))
	for _, email := range emails {
		s.Require().NoError(s.groups.UpsertInvitee(s.ctx, models.Invitee{Email: email, GroupID: &g.ID}))
	}
	return g
}

func (s *ExecutorSuite) booking(email string, bookedAt time.Time) *bookingmodels.Booking {
	b, err := bookingmodels.NewBooking(eventType, email, s.base.Add(48*time.Hour), s.base.Add(49*time.Hour), bookedAt)
	s.Require().NoError(err)
	s.Require().NoError(s.bookings.Create(s.ctx, b, &bookingmodels.Attribution{CorrelationID: email + bookedAt.String()}))
	return b
}

func (s *ExecutorSuite) reload(id int64) *bookingmodels.Booking {
	b, err := s.bookings.FindByID(s.ctx, id)
	s.Require().NoError(err)
	return b
}

func (s *ExecutorSuite) protect(id int64) {
	b := s.reload(id)
	s.Require().NoError(s.bookings.SetApproval(s.ctx, id, b.ApprovalStatus, true))
}

func (s *ExecutorSuite) TestFirstBookedGroupRun() {
	g1 := s.group("G1", models.PolicyFirstBooked, "ada@example.com", "bob@example.com")
	first := s.booking("ada@example.com", s.base)
	second := s.booking("bob@example.com", s.base.Add(time.Minute))

	results, err := s.svc.ExecuteGroups(s.ctx, []int64{g1.ID}, eventType)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Require().NoError(results[0].Err)
	s.Equal("G1", results[0].GroupName)

	changes := results[0].Changes
	s.Require().Len(changes, 2)
	s.Equal(first.ID, changes[0].BookingID)
	s.Equal(bookingmodels.StatusApproved, changes[0].To)
	s.Equal(second.ID, changes[1].BookingID)
	s.Equal(bookingmodels.StatusDeclined, changes[1].To)

	s.Equal(2, s.audit.Count())
	for _, id := range []int64{first.ID, second.ID} {
		b := s.reload(id)
		s.Require().NotNil(b.GroupID())
		s.Equal(g1.ID, *b.GroupID())
	}
	s.Equal(bookingmodels.StatusApproved, s.reload(first.ID).ApprovalStatus)
	s.Equal(bookingmodels.StatusDeclined, s.reload(second.ID).ApprovalStatus)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ApprovalChanges.WithLabelValues("APPROVED", "FIRST_BOOKED")))

	s.Run("rerun changes nothing and writes no audit entries", func() {
		again, err := s.svc.ExecuteGroups(s.ctx, []int64{g1.ID}, eventType)
		s.Require().NoError(err)
		s.Empty(again[0].Changes)
		s.Equal(2, s.audit.Count())
	})
}

type recordingTracer struct {
	noop.Tracer
	spans []string
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.spans = append(t.spans, name)
	return t.Tracer.Start(ctx, name, opts...)
}

func (s *ExecutorSuite) TestGroupRunsAreTraced() {
	g1 := s.group("G1", models.PolicyFirstBooked, "ada@example.com")
	s.booking("ada@example.com", s.base)
	tracer := &recordingTracer{}
	svc := s.newService(s.audit, WithTracer(tracer))

	results, err := svc.ExecuteGroups(s.ctx, []int64{g1.ID}, eventType)
	s.Require().NoError(err)
	s.Require().NoError(results[0].Err)
	s.Contains(tracer.spans, "approval.RunForGroup")
}

func (s *ExecutorSuite) TestProtectedBookingIsSkipped() {
	g1 := s.group("G1", models.PolicyFirstBooked, "ada@example.com", "bob@example.com")
	first := s.booking("ada@example.com", s.base)
	second := s.booking("bob@example.com", s.base.Add(time.Minute))
	s.protect(second.ID)

	results, err := s.svc.ExecuteGroups(s.ctx, []int64{g1.ID}, eventType)
	s.Require().NoError(err)
	s.Require().Len(results[0].Changes, 1)
	s.Equal(first.ID, results[0].Changes[0].BookingID)
	s.Equal(1, s.audit.Count())

	untouched := s.reload(second.ID)
	s.Equal(bookingmodels.StatusNew, untouched.ApprovalStatus)
	s.True(untouched.ApprovalProtected)
	s.Nil(untouched.GroupID())
}

func (s *ExecutorSuite) TestDryRunWritesNothing() {
	g1 := s.group("G1", models.PolicyFirstBooked, "ada@example.com", "bob@example.com")
	first := s.booking("ada@example.com", s.base)
	second := s.booking("bob@example.com", s.base.Add(time.Minute))

	results, err := s.svc.PreviewGroups(s.ctx, []int64{g1.ID}, eventType)
	s.Require().NoError(err)
	s.Require().Len(results[0].Changes, 2)
	s.Equal(bookingmodels.StatusApproved, results[0].Changes[0].To)
	s.Equal(bookingmodels.StatusDeclined, results[0].Changes[1].To)

	s.Equal(0, s.audit.Count())
	for _, id := range []int64{first.ID, second.ID} {
		b := s.reload(id)
		s.Equal(bookingmodels.StatusNew, b.ApprovalStatus)
		s.Nil(b.GroupID())
	}
}

func (s *ExecutorSuite) TestDryRunOmitsUnchangedAndProtected() {
	g1 := s.group("G1", models.PolicyDecline, "ada@example.com", "bob@example.com", "cy@example.com")
	declined := s.booking("ada@example.com", s.base)
	s.Require().NoError(s.bookings.SetApproval(s.ctx, declined.ID, bookingmodels.StatusDeclined, false))
	protected := s.booking("bob@example.com", s.base.Add(time.Minute))
	s.protect(protected.ID)
	fresh := s.booking("cy@example.com", s.base.Add(2*time.Minute))

	changes, err := s.svc.RunForGroup(s.ctx, g1, eventType, true)
	s.Require().NoError(err)
	s.Require().Len(changes, 1)
	s.Equal(fresh.ID, changes[0].BookingID)
}

func (s *ExecutorSuite) TestApplyTreatsOverlapAsApproved() {
	g1 := s.group("G1", models.PolicyFirstBooked)
	both := s.booking("ada@example.com", s.base)
	other := s.booking("bob@example.com", s.base)

	changes, err := s.svc.Apply(s.ctx,
		[]*bookingmodels.Booking{both},
		[]*bookingmodels.Booking{other, both},
		g1, false)
	s.Require().NoError(err)
	s.Require().Len(changes, 2)
	s.Equal(both.ID, changes[0].BookingID)
	s.Equal(bookingmodels.StatusApproved, changes[0].To)
	s.Equal(bookingmodels.StatusApproved, s.reload(both.ID).ApprovalStatus)
	s.Equal(bookingmodels.StatusDeclined, s.reload(other.ID).ApprovalStatus)
}

func (s *ExecutorSuite) TestApplyRereadsLockedRows() {
	g1 := s.group("G1", models.PolicyFirstBooked)
	b := s.booking("ada@example.com", s.base)
	stale := s.reload(b.ID)
	s.protect(b.ID)

	changes, err := s.svc.Apply(s.ctx, []*bookingmodels.Booking{stale}, nil, g1, false)
	s.Require().NoError(err)
	s.Empty(changes, "protection committed after the read must still be honored")
	s.Equal(bookingmodels.StatusNew, s.reload(b.ID).ApprovalStatus)
}

func (s *ExecutorSuite) TestAuditFailureRollsBackGroup() {
	ctrl := gomock.NewController(s.T())
	failing := mocks.NewMockAuditStore(ctrl)
	failing.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("audit log unavailable")).AnyTimes()
	svc := s.newService(failing)

	g1 := s.group("G1", models.PolicyFirstBooked, "ada@example.com", "bob@example.com")
	first := s.booking("ada@example.com", s.base)
	second := s.booking("bob@example.com", s.base.Add(time.Minute))

	results, err := svc.ExecuteGroups(s.ctx, []int64{g1.ID}, eventType)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.True(dErrors.HasCode(results[0].Err, dErrors.CodePolicyExecution))
	s.Contains(results[0].Err.Error(), "G1")
	s.Contains(results[0].Err.Error(), "audit log unavailable")
	s.Empty(results[0].Changes)

	for _, id := range []int64{first.ID, second.ID} {
		b := s.reload(id)
		s.Equal(bookingmodels.StatusNew, b.ApprovalStatus)
		s.Nil(b.GroupID())
	}
	s.Equal(1.0, testutil.ToFloat64(s.metrics.GroupFailures))
}

func (s *ExecutorSuite) TestManualStampsEveryLiveBooking() {
	g := s.group("Manual", models.PolicyManual, "ada@example.com", "bob@example.com")
	protected := s.booking("ada@example.com", s.base)
	s.protect(protected.ID)
	plain := s.booking("bob@example.com", s.base.Add(time.Minute))
	cancelled := s.booking("bob@example.com", s.base.Add(2*time.Minute))
	_, err := s.bookings.SoftDelete(s.ctx, cancelled.ID)
	s.Require().NoError(err)

	changes, err := s.svc.RunForGroup(s.ctx, g, eventType, false)
	s.Require().NoError(err)
	s.Empty(changes)
	s.Equal(0, s.audit.Count())

	for _, id := range []int64{protected.ID, plain.ID} {
		b := s.reload(id)
		s.Equal(bookingmodels.StatusNew, b.ApprovalStatus)
		s.Require().NotNil(b.GroupID())
		s.Equal(g.ID, *b.GroupID())
	}
	s.Nil(s.reload(cancelled.ID).GroupID())

	s.Run("preview does not stamp", func() {
		other := s.booking("ada@example.com", s.base.Add(3*time.Minute))
		_, err := s.svc.RunForGroup(s.ctx, g, eventType, true)
		s.Require().NoError(err)
		s.Nil(s.reload(other.ID).GroupID())
	})
}

func (s *ExecutorSuite) TestRunForBookingWithoutGroup() {
	s.Run("decline fallback", func() {
		svc := s.newService(s.audit, WithNoGroupAction(models.NoGroupDecline))
		b := s.booking("stranger@example.com", s.base)

		changes, err := svc.RunForBooking(s.ctx, b)
		s.Require().NoError(err)
		s.Require().Len(changes, 1)
		s.Nil(changes[0].GroupID)

		got := s.reload(b.ID)
		s.Equal(bookingmodels.StatusDeclined, got.ApprovalStatus)
		s.Nil(got.GroupID())
		entries, err := s.audit.ListByBooking(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(audit.MessageDeclinedNoGroup, entries[0].Message)
		s.Equal("approval-bot", entries[0].Actor)
	})

	s.Run("decline fallback applies to invitees without a group", func() {
		svc := s.newService(s.audit, WithNoGroupAction(models.NoGroupDecline))
		s.Require().NoError(s.groups.UpsertInvitee(s.ctx, models.Invitee{Email: "detached@example.com"}))
		b := s.booking("detached@example.com", s.base)

		_, err := svc.RunForBooking(s.ctx, b)
		s.Require().NoError(err)
		s.Equal(bookingmodels.StatusDeclined, s.reload(b.ID).ApprovalStatus)
	})

	s.Run("decline fallback respects protection", func() {
		svc := s.newService(s.audit, WithNoGroupAction(models.NoGroupDecline))
		b := s.booking("guarded@example.com", s.base)
		s.protect(b.ID)

		changes, err := svc.RunForBooking(s.ctx, b)
		s.Require().NoError(err)
		s.Empty(changes)
		s.Equal(bookingmodels.StatusNew, s.reload(b.ID).ApprovalStatus)
	})

	s.Run("manual fallback leaves the booking alone", func() {
		before := s.audit.Count()
		b := s.booking("wanderer@example.com", s.base)

		changes, err := s.svc.RunForBooking(s.ctx, b)
		s.Require().NoError(err)
		s.Empty(changes)
		s.Equal(bookingmodels.StatusNew, s.reload(b.ID).ApprovalStatus)
		s.Equal(before, s.audit.Count())
	})
}

func (s *ExecutorSuite) TestRunForBookingWithoutEmailIsUntouched() {
	svc := s.newService(s.audit, WithNoGroupAction(models.NoGroupDecline))
	b := s.booking("", s.base)

	changes, err := svc.RunForBooking(s.ctx, b)
	s.Require().NoError(err)
	s.Empty(changes)
	s.Equal(bookingmodels.StatusNew, s.reload(b.ID).ApprovalStatus)
	s.Equal(0, s.audit.Count())
}

func (s *ExecutorSuite) TestRunForBookingEvaluatesWholeGroup() {
	s.group("G1", models.PolicyFirstBooked, "ada@example.com", "bob@example.com")
	early := s.booking("bob@example.com", s.base)
	late := s.booking("ada@example.com", s.base.Add(time.Minute))

	changes, err := s.svc.RunForBooking(s.ctx, late)
	s.Require().NoError(err)
	s.Len(changes, 2)
	s.Equal(bookingmodels.StatusApproved, s.reload(early.ID).ApprovalStatus)
	s.Equal(bookingmodels.StatusDeclined, s.reload(late.ID).ApprovalStatus)
}

func (s *ExecutorSuite) TestBulkIsolatesFailingGroups() {
	healthy := s.group("Healthy", models.PolicyFirstBooked, "ada@example.com")
	broken := &models.Group{Name: "Broken", ApprovalType: models.PolicyType("LOTTERY")}
	s.Require().NoError(s.groups.UpsertGroup(s.ctx, broken))
	s.Require().NoError(s.groups.UpsertInvitee(s.ctx, models.Invitee{Email: "bob@example.com", GroupID: &broken.ID}))
	ada := s.booking("ada@example.com", s.base)
	s.booking("bob@example.com", s.base)

	results, err := s.svc.ExecuteGroups(s.ctx, []int64{broken.ID, 999, healthy.ID}, eventType)
	s.Require().NoError(err)
	s.Require().Len(results, 3)

	s.True(dErrors.HasCode(results[0].Err, dErrors.CodePolicyExecution))
	s.Contains(results[0].Err.Error(), "Broken")
	s.True(dErrors.HasCode(results[1].Err, dErrors.CodeNotFound))
	s.NoError(results[2].Err)
	s.Len(results[2].Changes, 1)
	s.Equal(bookingmodels.StatusApproved, s.reload(ada.ID).ApprovalStatus)
}

func (s *ExecutorSuite) TestOverrides() {
	g1 := s.group("G1", models.PolicyFirstBooked, "ada@example.com", "bob@example.com")
	first := s.booking("ada@example.com", s.base)
	second := s.booking("bob@example.com", s.base.Add(time.Minute))

	s.Run("unknown id writes nothing", func() {
		_, err := s.svc.ApproveAndProtect(s.ctx, []int64{second.ID, 404})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.False(s.reload(second.ID).ApprovalProtected)
		s.Equal(0, s.audit.Count())
	})

	s.Run("cancelled bookings are not found", func() {
		gone := s.booking("cy@example.com", s.base)
		_, err := s.bookings.SoftDelete(s.ctx, gone.ID)
		s.Require().NoError(err)
		_, err = s.svc.DeclineAndProtect(s.ctx, []int64{gone.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("approve and protect survives a group run", func() {
		changes, err := s.svc.ApproveAndProtect(s.ctx, []int64{second.ID, second.ID})
		s.Require().NoError(err)
		s.Require().Len(changes, 1)
		s.True(changes[0].Protected)

		_, err = s.svc.ExecuteGroups(s.ctx, []int64{g1.ID}, eventType)
		s.Require().NoError(err)
		s.Equal(bookingmodels.StatusApproved, s.reload(second.ID).ApprovalStatus)
		s.Equal(bookingmodels.StatusApproved, s.reload(first.ID).ApprovalStatus)

		entries, err := s.audit.ListByBooking(s.ctx, second.ID)
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(audit.MessageApprovedAndProtected, entries[0].Message)
	})

	s.Run("reset lifts protection", func() {
		ctx := requestcontext.WithActor(s.ctx, "ops@example.com")
		_, err := s.svc.ResetApproval(ctx, []int64{second.ID})
		s.Require().NoError(err)

		b := s.reload(second.ID)
		s.Equal(bookingmodels.StatusNew, b.ApprovalStatus)
		s.False(b.ApprovalProtected)

		entries, err := s.audit.ListByBooking(s.ctx, second.ID)
		s.Require().NoError(err)
		s.Equal(audit.MessageApprovalReset, entries[len(entries)-1].Message)
		s.Equal("ops@example.com", entries[len(entries)-1].Actor)
	})

	s.Run("empty id list is rejected", func() {
		_, err := s.svc.DeclineAndProtect(s.ctx, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ExecutorSuite) TestDecisionEventsArePublishedAfterCommit() {
	ctrl := gomock.NewController(s.T())
	publisher := mocks.NewMockDecisionPublisher(ctrl)
	svc := s.newService(s.audit, WithPublisher(publisher))

	g1 := s.group("G1", models.PolicyFirstBooked, "ada@example.com", "bob@example.com")
	first := s.booking("ada@example.com", s.base)
	s.booking("bob@example.com", s.base.Add(time.Minute))

	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, events []models.DecisionEvent) error {
			s.Require().Len(events, 2)
			s.Equal(first.ID, events[0].BookingID)
			s.Equal("APPROVED", events[0].Status)
			s.Equal("approval-bot", events[0].Actor)
			s.Require().NotNil(events[0].GroupID)
			s.Equal(g1.ID, *events[0].GroupID)
			return errors.New("broker down")
		})

	results, err := svc.ExecuteGroups(s.ctx, []int64{g1.ID}, eventType)
	s.Require().NoError(err)
	s.NoError(results[0].Err, "publish failures must not fail the run")
	s.Equal(1.0, testutil.ToFloat64(s.metrics.DecisionPublishErrs))
}

func (s *ExecutorSuite) TestResolveEventType() {
	_, err := s.svc.ResolveEventType(s.ctx, "")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.booking("ada@example.com", s.base)
	got, err := s.svc.ResolveEventType(s.ctx, "")
	s.Require().NoError(err)
	s.Equal(eventType, got)

	withDefault := s.newService(s.audit, WithDefaultEventType("evt-default"))
	got, err = withDefault.ResolveEventType(s.ctx, "")
	s.Require().NoError(err)
	s.Equal("evt-default", got)

	got, err = withDefault.ResolveEventType(s.ctx, " evt-explicit ")
	s.Require().NoError(err)
	s.Equal("evt-explicit", got)
}

func (s *ExecutorSuite) TestGroupManagement() {
	g, err := s.svc.UpsertGroup(s.ctx, "Group 10", "first_booked")
	s.Require().NoError(err)
	s.Equal(models.PolicyFirstBooked, g.ApprovalType)

	_, err = s.svc.UpsertGroup(s.ctx, "Group 11", "LOTTERY")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = s.svc.UpsertGroup(s.ctx, " ", "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.svc.AssignInvitee(s.ctx, "not-an-email", &g.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	missing := int64(404)
	_, err = s.svc.AssignInvitee(s.ctx, "ada@example.com", &missing)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.svc.AssignInvitee(s.ctx, "Ada@Example.com", &g.ID)
	s.Require().NoError(err)

	b := s.booking("ada@example.com", s.base)
	_, err = s.svc.ExecuteGroups(s.ctx, []int64{g.ID}, eventType)
	s.Require().NoError(err)

	s.Run("delete is blocked while bookings are attributed", func() {
		err := s.svc.DeleteGroup(s.ctx, g.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("delete succeeds once attribution is gone", func() {
		s.Require().NoError(s.bookings.SetApprovalGroup(s.ctx, []int64{b.ID}, nil))
		s.Require().NoError(s.svc.DeleteGroup(s.ctx, g.ID))
		inv, err := s.groups.FindInvitee(s.ctx, "ada@example.com")
		s.Require().NoError(err)
		s.Nil(inv.GroupID)
		s.True(dErrors.HasCode(s.svc.DeleteGroup(s.ctx, g.ID), dErrors.CodeNotFound))
	})
}
