package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"spotkeeper/internal/platform/metrics"
	"spotkeeper/internal/webhook/models"
	webhookservice "spotkeeper/internal/webhook/service"
	dErrors "spotkeeper/pkg/domain-errors"
	"spotkeeper/pkg/platform/httputil"
	"spotkeeper/pkg/platform/middleware/sharedsecret"
	"spotkeeper/pkg/requestcontext"
)

const maxPayloadBytes = 1 << 20

// Service handles one validated delivery.
type Service interface {
	Handle(ctx context.Context, d *models.Delivery) error
}

// Handler serves the provider webhook.
type Handler struct {
	svc     Service
	token   string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(svc Service, token string, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:     svc,
		token:   token,
		logger:  logger,
		metrics: m,
	}
}

// Register mounts POST /webhook behind the query token check.
func (h *Handler) Register(r chi.Router) {
	r.With(sharedsecret.RequireQueryToken("token", h.token, h.logger)).
		Post("/webhook", h.handleWebhook)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	body, err := httputil.ReadBody(w, r, maxPayloadBytes)
	if err != nil {
		h.logger.WarnContext(ctx, "unreadable webhook body",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	delivery, err := models.ParseDelivery(body)
	if err != nil {
		h.metrics.IncrementWebhookEvent("unparsed", webhookservice.ResultLabel(err))
		h.logger.WarnContext(ctx, "rejected webhook delivery",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	if err := h.svc.Handle(ctx, delivery); err != nil {
		level := slog.LevelWarn
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			level = slog.LevelError
		}
		h.logger.Log(ctx, level, "webhook delivery failed",
			"request_id", requestID,
			"event", string(delivery.Kind),
			"correlation_id", delivery.CorrelationID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
