package httpapi

import (
	"time"

	"golang.org/x/time/rate"
)

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// sendTimeout bounds a single /v1/session/messages request. Zero means no
// additional timeout beyond the backend's own request timeout.
var sendTimeout time.Duration

// SetSendTimeout sets the send timeout (0 disables).
func SetSendTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	sendTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// Token-bucket limit on the session routes; rps <= 0 disables it.
var (
	rateRPS   float64
	rateBurst int
)

// SetRateLimit configures the session route limiter for muxes built afterwards.
func SetRateLimit(rps float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	rateRPS, rateBurst = rps, burst
}

func newLimiter() *rate.Limiter {
	if rateRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rateRPS), rateBurst)
}
