package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/klyne-ingest/internal/auth"
	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/ingest"
	"example.com/klyne-ingest/internal/ratelimit"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Auth         *auth.Authenticator
	Ingest       *ingest.Service
	Limiter      *ratelimit.Limiter
	DB           Pinger
	Metrics      *HTTPMetrics
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
	MaxBodyBytes int64
}

func (d *ServerDeps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// --- Health ---

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

func (d *ServerDeps) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Service:   "analytics",
		Timestamp: d.Limiter.Now().Format(time.RFC3339),
	})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.DB.Ready(r.Context()); err != nil {
		d.logger().Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Problem{
			Error: "not_ready", Message: "database not reachable", Retryable: true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Events (single) ---

type eventResponse struct {
	Success    bool   `json:"success"`
	EventID    string `json:"event_id"`
	ReceivedAt string `json:"received_at"`
	Message    string `json:"message"`
}

func (d *ServerDeps) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	key, ok := APIKeyFrom(r.Context())
	if !ok {
		d.writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		d.writeError(w, r, err)
		return
	}

	rc, dec, err := d.Ingest.SubmitOne(r.Context(), key, body)
	d.rateHeaders(w, r, key, dec)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventResponse{
		Success:    true,
		EventID:    rc.ID.String(),
		ReceivedAt: rc.ReceivedAt.UTC().Format(time.RFC3339Nano),
		Message:    "Analytics event recorded successfully",
	})
}

// --- Events (batch) ---

type batchRequest struct {
	Events []json.RawMessage `json:"events"`
}

type batchResponse struct {
	Success       bool             `json:"success"`
	CreatedCount  int              `json:"created_count"`
	FailedCount   int              `json:"failed_count"`
	CreatedEvents []ingest.Created `json:"created_events"`
	FailedEvents  []ingest.Failed  `json:"failed_events"`
	Message       string           `json:"message"`
}

func (d *ServerDeps) HandlePostEventsBatch(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	key, ok := APIKeyFrom(r.Context())
	if !ok {
		d.writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	var req batchRequest
	if errs := decodeBatch(body, &req); len(errs) > 0 {
		d.rateHeaders(w, r, key, ratelimit.Decision{})
		d.writeError(w, r, &ingest.ValidationError{Errors: errs})
		return
	}

	res, err := d.Ingest.SubmitBatch(r.Context(), key, req.Events)
	d.rateHeaders(w, r, key, res.Decision)
	if err != nil {
		d.writeError(w, r, err)
		return
	}

	resp := batchResponse{
		Success:       true,
		CreatedCount:  len(res.Created),
		FailedCount:   len(res.Failed),
		CreatedEvents: res.Created,
		FailedEvents:  res.Failed,
		Message:       fmt.Sprintf("Batch processed: %d events created", len(res.Created)),
	}
	if resp.CreatedEvents == nil {
		resp.CreatedEvents = []ingest.Created{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBatch(body []byte, req *batchRequest) []domain.FieldError {
	err := json.Unmarshal(body, req)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field == "events" {
		return []domain.FieldError{{FieldPath: "events", Reason: "must be an array"}}
	}
	if errors.As(err, &typeErr) {
		return []domain.FieldError{{FieldPath: "body", Reason: "must be a JSON object"}}
	}
	return []domain.FieldError{{FieldPath: "body", Reason: "invalid JSON: " + err.Error()}}
}

// rateHeaders sets X-RateLimit-* from dec, or from the key's current usage
// when the rate check did not run.
func (d *ServerDeps) rateHeaders(w http.ResponseWriter, r *http.Request, key domain.APIKey, dec ratelimit.Decision) {
	if dec.Limit == 0 {
		var err error
		if dec, err = d.Limiter.Usage(r.Context(), key.ID); err != nil {
			return
		}
	}
	setRateLimitHeaders(w, dec)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.logger()))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", d.HandleHealth)
	r.Get("/readyz", d.HandleReadyz)
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/api/analytics/health", d.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BodyLimit(d.MaxBodyBytes))
		r.Use(d.RequireAPIKey)
		r.Use(d.RequireJSON)
		r.Post("/events", d.HandlePostEvent)
		r.Post("/events/batch", d.HandlePostEventsBatch)
		// Paths used by released SDKs.
		r.Post("/api/analytics", d.HandlePostEvent)
		r.Post("/api/analytics/batch", d.HandlePostEventsBatch)
	})

	return r
}
