package handler

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"authgate/internal/events"
	"authgate/internal/ratelimit"
	"authgate/internal/util"
)

// RateLimit gates metered routes through the admission controller. Requests
// whose (method, path) has no registered class pass straight through; a GET
// to a metered POST path is deliberately free.
func RateLimit(ctrl *ratelimit.Controller, routes *ratelimit.RouteTable, trustForwardedFor bool, emitter *events.Emitter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, ok := routes.Classify(r.Method, r.URL.Path)
			if !ok || !ctrl.IsMetered(class) {
				next.ServeHTTP(w, r)
				return
			}

			identity := ratelimit.ClientIdentity(r, trustForwardedFor)
			decision := ctrl.TryAdmit(class, identity)

			if decision.Allowed {
				w.Header().Set("X-Rate-Limit-Remaining", strconv.Itoa(decision.Remaining))
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			emitter.AdmissionDenied(r.Context(), class, identity)
			logger.Warn("request throttled",
				util.String("endpoint_class", string(class)),
				util.String("client_identity", identity),
				util.Int("retry_after_seconds", retryAfter),
			)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			// The denial stands whether or not the body write succeeds.
			_, _ = fmt.Fprintf(w,
				`{"error":"Too many requests","message":"Rate limit exceeded. Please try again in %d seconds."}`,
				retryAfter)
		})
	}
}

// LoggerMiddleware logs every HTTP request with timing
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
