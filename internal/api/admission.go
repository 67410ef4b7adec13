package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
)

// WorkBudget charges thumbnail work to a subject.
type WorkBudget interface {
	Charge(ctx context.Context, subject string, cost int64) (ratelimit.Decision, error)
}

// createCost is what registering a job costs; the pixels are paid for when
// the job starts.
const createCost = 1

func jobMode(raw *domain.RawSource) string {
	if raw != nil {
		return "raw"
	}
	return "file"
}

// admit charges cost to the caller and writes a 429 when the budget is
// spent. Budget backend failures let the request through.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, mode string, cost int64) bool {
	if s.budget == nil {
		return true
	}

	subject := strings.TrimSpace(r.Header.Get(s.userIDHeader))
	if subject == "" {
		subject = "anonymous"
	}

	decision, err := s.budget.Charge(r.Context(), subject, cost)
	if err != nil {
		s.logger.Warn().Str("subject", subject).Int64("cost", cost).Err(err).Msg("work budget check failed")
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	w.Header().Set("X-RateLimit-Cost", strconv.FormatInt(decision.Cost, 10))
	if decision.Allowed {
		s.metrics.budgetCharged.WithLabelValues(mode).Add(float64(decision.Cost))
		return true
	}

	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.budgetRejected.WithLabelValues(mode).Inc()
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "work budget exhausted",
		"cost":        decision.Cost,
		"retry_after": retryAfter,
	})
	return false
}
