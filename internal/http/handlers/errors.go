package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"mediajobs/internal/domain"
	"mediajobs/internal/jobs"
)

// writeError maps domain errors onto HTTP responses.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &verr):
		a.json(w, http.StatusBadRequest, map[string]any{"error": errorBody{
			Code:    "validation_failed",
			Message: "request validation failed",
			Fields:  verr.Fields,
		}})
	case errors.As(err, &rl):
		seconds := int(math.Ceil(rl.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		a.json(w, http.StatusTooManyRequests, map[string]any{"error": errorBody{
			Code:       "rate_limited",
			Message:    "too many submissions, retry later",
			RetryAfter: seconds,
		}})
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, jobs.ErrAlreadyTerminal):
		a.error(w, http.StatusConflict, "conflict", "job already finished")
	case errors.Is(err, domain.ErrProvider):
		a.error(w, http.StatusBadGateway, "provider_error", "generation provider unavailable")
	default:
		a.logger().Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
