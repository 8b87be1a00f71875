package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/suburbmates/quality-cli/internal/auth"
)

// submitLimiter throttles batch submissions per admin. A zero rate disables
// it.
type submitLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newSubmitLimiter(perMinute int) *submitLimiter {
	if perMinute <= 0 {
		return &submitLimiter{limit: rate.Inf}
	}
	return &submitLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *submitLimiter) allow(userID string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *submitLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if u := auth.UserFrom(r.Context()); u != nil {
			id = u.ID
		}
		if !l.allow(id) {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
