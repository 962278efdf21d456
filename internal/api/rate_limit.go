package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/ratelimit"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// withRateLimit applies only to job submissions. A limiter error lets the
// request through.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || routeLabel(r.URL.Path) != "/v1/jobs" {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if subject == "" {
			subject = "anonymous"
		}

		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			s.logger.WithError(err).WithField("subject", subject).Warn("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues("/v1/jobs").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}
