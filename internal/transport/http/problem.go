package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"example.com/klyne-ingest/internal/auth"
	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/ingest"
	"example.com/klyne-ingest/internal/ratelimit"
	"example.com/klyne-ingest/internal/storage"
)

// Problem is the body of every non-2xx response except 429.
type Problem struct {
	Error     string              `json:"error"`
	Message   string              `json:"message,omitempty"`
	Errors    []domain.FieldError `json:"errors,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
}

type rateLimitProblem struct {
	Error         string `json:"error"`
	Limit         int64  `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	ResetTime     string `json:"reset_time"`
	CurrentUsage  int64  `json:"current_usage"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteProblem(w http.ResponseWriter, status int, code, message string, errs []domain.FieldError) {
	writeJSON(w, status, Problem{Error: code, Message: message, Errors: errs})
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeError maps service errors onto status codes.
func (d *ServerDeps) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rl      *ingest.RateLimitError
		verr    *ingest.ValidationError
		tooBig  *http.MaxBytesError
		now     = d.Limiter.Now()
		logger  = d.logger().With(zap.String("path", r.URL.Path))
		problem Problem
		status  int
	)
	switch {
	case errors.As(err, &rl):
		setRateLimitHeaders(w, rl.Decision)
		w.Header().Set("Retry-After", strconv.FormatInt(rl.Decision.RetryAfter(now), 10))
		writeJSON(w, http.StatusTooManyRequests, rateLimitProblem{
			Error:         "Rate limit exceeded",
			Limit:         rl.Decision.Limit,
			WindowSeconds: int64(rl.Decision.Window / time.Second),
			ResetTime:     rl.Decision.ResetAt.UTC().Format(time.RFC3339),
			CurrentUsage:  rl.Decision.CurrentUsage,
		})
		return
	case errors.Is(err, auth.ErrUnauthenticated):
		status, problem = http.StatusUnauthorized, Problem{Error: "unauthenticated", Message: "Missing or malformed Authorization header. Use 'Bearer <api_key>'"}
		w.Header().Set("WWW-Authenticate", "Bearer")
	case errors.Is(err, auth.ErrUnauthorized):
		status, problem = http.StatusUnauthorized, Problem{Error: "unauthorized", Message: "Invalid or inactive API key"}
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	case errors.Is(err, domain.ErrForbidden):
		status, problem = http.StatusForbidden, Problem{Error: "forbidden", Message: err.Error()}
	case errors.As(err, &verr):
		status, problem = http.StatusUnprocessableEntity, Problem{Error: "validation_failed", Message: "One or more fields are invalid", Errors: verr.Errors}
	case errors.As(err, &tooBig):
		status, problem = http.StatusRequestEntityTooLarge, Problem{Error: "payload_too_large", Message: "Request body exceeds " + strconv.FormatInt(tooBig.Limit, 10) + " bytes"}
	case errors.Is(err, storage.ErrRejected):
		logger.Warn("store rejected event data", zap.Error(err))
		status, problem = http.StatusUnprocessableEntity, Problem{Error: "unprocessable", Message: "The event data could not be stored"}
	case errors.Is(err, storage.ErrUnavailable):
		logger.Error("storage unavailable", zap.Error(err))
		status, problem = http.StatusServiceUnavailable, Problem{Error: "storage_unavailable", Message: "Storage is temporarily unavailable, please retry", Retryable: true}
	default:
		logger.Error("unhandled error", zap.Error(err))
		status, problem = http.StatusInternalServerError, Problem{Error: "internal_error", Message: "Internal server error"}
	}
	writeJSON(w, status, problem)
}
