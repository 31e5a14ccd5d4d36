package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/alecgard/voxdesk/internal/auth"
)

// Middleware limits requests per authenticated tenant. The tenant's RateLimit
// overrides the limiter default. Requests without a tenant pass through.
//
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset are always
// set. A rejected request gets 429 with Retry-After in whole seconds.
func Middleware(limiter *Limiter, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := auth.TenantFromContext(r.Context())
			if tenant == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take("tenant:"+tenant.ID, tenant.RateLimit)
			if d.Limit == 0 {
				next.ServeHTTP(w, r)
				return
			}
			SetHeaders(w, d)
			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				WriteLimited(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// WriteLimited writes the 429 response for a rejected decision.
func WriteLimited(w http.ResponseWriter, d Decision) {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "rate_limited",
			"message": "Rate limit exceeded. Try again later.",
		},
	})
}
