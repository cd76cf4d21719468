package proxy

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lowc1012/rate-limit-proxy/internal/extract"
	"github.com/lowc1012/rate-limit-proxy/internal/limiter"
	"github.com/lowc1012/rate-limit-proxy/internal/metrics"
)

const (
	headerRateLimitState = "X-Ratelimit-State"
	headerRequestID      = "X-Request-Id"
)

// RateLimitOptions carries the intake knobs that shape fingerprinting.
type RateLimitOptions struct {
	MaxBodyBytes      int64
	TrustProxyHeaders bool
}

// RateLimit wraps a handler with the admission decision. Denied requests get
// a plain-text 429 naming the denying strategy and never reach the wrapped
// handler; everything else passes through untouched.
func RateLimit(next http.Handler, lim *limiter.Limiter, m *metrics.Metrics, opts RateLimitOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := extract.FromRequest(r, extract.Options{
			BufferBody:        lim.NeedsBody(),
			MaxBodyBytes:      opts.MaxBodyBytes,
			TrustProxyHeaders: opts.TrustProxyHeaders,
		})

		d := lim.Allow(r.Context(), f)
		if d.StoreErrors > 0 {
			m.StoreErrors.Add(float64(d.StoreErrors))
		}
		if d.Whitelisted {
			m.Whitelisted.Inc()
		}

		if !d.Admitted {
			if r.Context().Err() != nil {
				// client is gone, nothing to write
				return
			}
			m.RateLimited.WithLabelValues(string(d.DeniedBy)).Inc()
			w.Header().Set(headerRateLimitState, "Deny")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, "rate limit exceeded by %s strategy\n", d.DeniedBy)
			return
		}

		w.Header().Set(headerRateLimitState, "Allow")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Instrument logs one line per request with a request id and records the
// response code. Incoming X-Request-Id values are kept so ids correlate
// across hops.
func Instrument(next http.Handler, logger *zap.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
			r.Header.Set(headerRequestID, reqID)
		}
		w.Header().Set(headerRequestID, reqID)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()

		logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", status),
			zap.Duration("dur", time.Since(start)))
	})
}
