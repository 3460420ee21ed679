package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/go-chi/chi/v5"

	"spotkeeper/internal/report/models"
	"spotkeeper/pkg/platform/httputil"
	"spotkeeper/pkg/requestcontext"
)

type Service interface {
	Build(ctx context.Context, eventTypeID string) (*models.Report, error)
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/reports/students", h.handleStudentReport)
}

var textReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"spot": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04") },
}).Parse(`{{with .Announcement}}{{.}}

{{end}}Event type: {{.EventTypeID}}
{{if .DeclinedCount}}Declined bookings: {{.DeclinedCount}}
{{end}}
{{range .Groups}}{{.Name}}: {{with .Booking}}{{spot .SpotStart}} - {{spot .SpotEnd}}{{else}}no approved booking{{end}}{{if .DeclinedCount}} ({{.DeclinedCount}} declined){{end}}
{{end}}`))

// handleStudentReport answers JSON, or plain text for Accept: text/plain and
// ?geek=1.
func (h *Handler) handleStudentReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.svc.Build(ctx, r.URL.Query().Get("event_type_id"))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to build report",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	if !wantsText(r) {
		httputil.WriteJSON(w, http.StatusOK, report)
		return
	}

	plain := *report
	plain.Announcement = models.StripTags(report.Announcement)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := textReport.Execute(w, plain); err != nil {
		h.logger.ErrorContext(ctx, "failed to render text report",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
}

func wantsText(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/plain") || r.URL.Query().Get("geek") != ""
}
