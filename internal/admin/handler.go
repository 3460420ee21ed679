// Package admin is the operator HTTP surface: bulk policy runs, manual
// overrides, booking lifecycle, group and invitee management, and the audit
// trail. Callers mount it behind operator authentication.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	approvalmodels "spotkeeper/internal/approval/models"
	bookingmodels "spotkeeper/internal/booking/models"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/audit"
	"spotkeeper/pkg/platform/httputil"
	"spotkeeper/pkg/requestcontext"
)

const recentAuditLimit = 100

type Approvals interface {
	ExecuteGroups(ctx context.Context, groupIDs []int64, eventTypeID string) ([]approvalmodels.GroupResult, error)
	PreviewGroups(ctx context.Context, groupIDs []int64, eventTypeID string) ([]approvalmodels.GroupResult, error)
	ApproveAndProtect(ctx context.Context, bookingIDs []int64) ([]approvalmodels.Change, error)
	DeclineAndProtect(ctx context.Context, bookingIDs []int64) ([]approvalmodels.Change, error)
	ResetApproval(ctx context.Context, bookingIDs []int64) ([]approvalmodels.Change, error)
	ListGroups(ctx context.Context) ([]*approvalmodels.Group, error)
	UpsertGroup(ctx context.Context, name, approvalType string) (*approvalmodels.Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	AssignInvitee(ctx context.Context, email string, groupID *int64) (*approvalmodels.Invitee, error)
}

type Bookings interface {
	List(ctx context.Context, view string, filter bookingmodels.Filter) ([]*bookingmodels.Booking, error)
	Cancel(ctx context.Context, ids []int64) (int, error)
	Restore(ctx context.Context, id int64) (*bookingmodels.Booking, error)
	Purge(ctx context.Context, ids []int64) (int, error)
}

type AuditLog interface {
	ListByBooking(ctx context.Context, bookingID int64) ([]audit.Entry, error)
	ListRecent(ctx context.Context, limit int) ([]audit.Entry, error)
}

type Handler struct {
	approvals Approvals
	bookings  Bookings
	audit     AuditLog
	logger    *slog.Logger
}

func New(approvals Approvals, bookings Bookings, auditLog AuditLog, logger *slog.Logger) *Handler {
	return &Handler{
		approvals: approvals,
		bookings:  bookings,
		audit:     auditLog,
		logger:    logger,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/groups/execute", h.handleRunGroups(false))
		r.Post("/groups/preview", h.handleRunGroups(true))
		r.Get("/groups", h.handleListGroups)
		r.Put("/groups", h.handleUpsertGroup)
		r.Delete("/groups/{id}", h.handleDeleteGroup)
		r.Put("/invitees", h.handleAssignInvitee)

		r.Get("/bookings", h.handleListBookings)
		r.Post("/bookings/approve-protect", h.handleOverride(h.approvals.ApproveAndProtect))
		r.Post("/bookings/decline-protect", h.handleOverride(h.approvals.DeclineAndProtect))
		r.Post("/bookings/reset-approval", h.handleOverride(h.approvals.ResetApproval))
		r.Post("/bookings/cancel", h.handleCancel)
		r.Post("/bookings/purge", h.handlePurge)
		r.Post("/bookings/{id}/restore", h.handleRestore)

		r.Get("/audit", h.handleListAudit)
	})
}

func (h *Handler) handleRunGroups(dryRun bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req GroupRunRequest
		if !h.decode(w, r, &req) {
			return
		}

		run := h.approvals.ExecuteGroups
		if dryRun {
			run = h.approvals.PreviewGroups
		}
		results, err := run(ctx, req.GroupIDs, req.EventTypeID)
		if err != nil {
			h.fail(ctx, w, "group run failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, toGroupRunsResponse(results, dryRun))
	}
}

func (h *Handler) handleOverride(apply func(context.Context, []int64) ([]approvalmodels.Change, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req BookingIDsRequest
		if !h.decode(w, r, &req) {
			return
		}
		changes, err := apply(ctx, req.BookingIDs)
		if err != nil {
			h.fail(ctx, w, "approval override failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, &ChangesResponse{Changed: toChangesResponse(changes)})
	}
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groups, err := h.approvals.ListGroups(ctx)
	if err != nil {
		h.fail(ctx, w, "failed to list groups", err)
		return
	}
	resp := &GroupsListResponse{Groups: make([]*GroupResponse, 0, len(groups)), Total: len(groups)}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, toGroupResponse(g))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUpsertGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req UpsertGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	group, err := h.approvals.UpsertGroup(ctx, req.Name, req.ApprovalType)
	if err != nil {
		h.fail(ctx, w, "failed to save group", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toGroupResponse(group))
}

func (h *Handler) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.approvals.DeleteGroup(ctx, id); err != nil {
		h.fail(ctx, w, "failed to delete group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAssignInvitee(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req AssignInviteeRequest
	if !h.decode(w, r, &req) {
		return
	}
	invitee, err := h.approvals.AssignInvitee(ctx, req.Email, req.GroupID)
	if err != nil {
		h.fail(ctx, w, "failed to assign invitee", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &InviteeResponse{Email: invitee.Email, GroupID: invitee.GroupID})
}

func (h *Handler) handleListBookings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := bookingmodels.Filter{
		EventTypeID: q.Get("event_type_id"),
		Email:       q.Get("email"),
		Status:      bookingmodels.ApprovalStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	}
	bookings, err := h.bookings.List(ctx, q.Get("view"), filter)
	if err != nil {
		h.fail(ctx, w, "failed to list bookings", err)
		return
	}
	resp := &BookingsListResponse{Bookings: make([]*BookingResponse, 0, len(bookings)), Total: len(bookings)}
	for _, b := range bookings {
		resp.Bookings = append(resp.Bookings, toBookingResponse(b))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req BookingIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.bookings.Cancel(ctx, req.BookingIDs)
	if err != nil {
		h.fail(ctx, w, "failed to cancel bookings", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &AffectedResponse{Affected: n})
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req BookingIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.bookings.Purge(ctx, req.BookingIDs)
	if err != nil {
		h.fail(ctx, w, "failed to purge bookings", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &AffectedResponse{Affected: n})
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	booking, err := h.bookings.Restore(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to restore booking", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toBookingResponse(booking))
}

// handleListAudit lists one booking's trail with ?booking_id, else the most
// recent entries.
func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		entries []audit.Entry
		err     error
	)
	if raw := r.URL.Query().Get("booking_id"); raw != "" {
		id, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "booking_id must be an integer"))
			return
		}
		entries, err = h.audit.ListByBooking(ctx, id)
	} else {
		entries, err = h.audit.ListRecent(ctx, recentAuditLimit)
	}
	if err != nil {
		h.fail(ctx, w, "failed to list audit entries", dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit entries"))
		return
	}
	resp := &AuditListResponse{Entries: make([]*AuditEntryResponse, 0, len(entries)), Total: len(entries)}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toAuditEntryResponse(e))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type validatable interface {
	Validate() error
}

// decode reads, trims and validates a request body. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req validatable) bool {
	if err := httputil.DecodeJSON(w, r, req); err != nil {
		h.logger.WarnContext(r.Context(), "failed to decode admin request",
			"error", err,
			"request_id", requestcontext.RequestID(r.Context()),
		)
		httputil.WriteError(w, err)
		return false
	}
	sanitize(req)
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"error", err,
		"actor", requestcontext.Actor(ctx),
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteError(w, err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "id must be a positive integer")
	}
	return id, nil
}
