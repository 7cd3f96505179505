package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradewatch/internal/core"
	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// HealthSource reports the in-process health of the core.
type HealthSource interface {
	Health() core.Health
}

// FeedHealthReader reads feed health written by any process.
type FeedHealthReader interface {
	FeedHealth(ctx context.Context, book domain.BookKey) (domain.FeedHealth, error)
}

// HealthHandler serves the health-check endpoints.
type HealthHandler struct {
	source  HealthSource
	feeds   FeedHealthReader
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. source is nil in processes that
// do not run the core; feeds may be nil without Redis.
func NewHealthHandler(source HealthSource, feeds FeedHealthReader, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		source:  source,
		feeds:   feeds,
		started: time.Now().UTC(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

type healthResponse struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	Core      *core.Health `json:"core,omitempty"`
}

// HealthCheck reports core health. It answers 503 while any feed or the
// persistence layer is degraded.
// GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	}
	status := http.StatusOK
	if h.source != nil {
		health := h.source.Health()
		resp.Core = &health
		if health.Degraded() {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeHealth(w, status, resp)
}

// FeedHealth returns the shared feed health of one account.
// GET /healthz/feeds/{user}/{exchange}
func (h *HealthHandler) FeedHealth(w http.ResponseWriter, r *http.Request) {
	if h.feeds == nil {
		writeProblem(w, http.StatusNotImplemented, "feed health store not configured", domain.BookKey{})
		return
	}
	book := domain.BookKey{User: r.PathValue("user"), Exchange: r.PathValue("exchange")}
	fh, err := h.feeds.FeedHealth(r.Context(), book)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "no feed health recorded", book)
			return
		}
		h.logger.ErrorContext(r.Context(), "feed health lookup failed",
			slog.String("book", book.String()),
			slog.String("error", err.Error()),
		)
		writeProblem(w, http.StatusInternalServerError, "feed health lookup failed", book)
		return
	}
	status := http.StatusOK
	if fh.Degraded {
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, fh)
}
