package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"authgate/internal/events"
	"authgate/internal/ratelimit"
)

// API paths, also the keys of the metering route table.
const (
	PathRegister       = "/api/v1/auth/register"
	PathLogin          = "/api/v1/auth/login"
	PathLogout         = "/api/v1/auth/logout"
	PathVerifyEmail    = "/api/v1/auth/verify-email"
	PathForgotPassword = "/api/v1/auth/password-reset/request"
	PathResetPassword  = "/api/v1/auth/password-reset/confirm"
)

// DefaultRouteTable meters the abuse-prone POST routes. Logout and every GET
// stay unregistered: metering keys on method+path, so the GET form view of a
// metered POST path is never throttled.
func DefaultRouteTable() *ratelimit.RouteTable {
	t := ratelimit.NewRouteTable()
	t.Register(http.MethodPost, PathLogin, ratelimit.ClassLogin)
	t.Register(http.MethodPost, PathRegister, ratelimit.ClassRegister)
	t.Register(http.MethodPost, PathVerifyEmail, ratelimit.ClassVerifyEmail)
	t.Register(http.MethodPost, PathForgotPassword, ratelimit.ClassPasswordResetRequest)
	t.Register(http.MethodPost, PathResetPassword, ratelimit.ClassPasswordResetConfirm)
	return t
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(authHandler *AuthHandler, ctrl *ratelimit.Controller, routes *ratelimit.RouteTable, trustForwardedFor bool, emitter *events.Emitter, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Middleware stack. RealIP is deliberately absent: it rewrites RemoteAddr
	// from X-Forwarded-For unconditionally, and the forwarded-for trust
	// decision belongs to ClientIdentity behind its config flag.
	router.Use(middleware.RequestID)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After", "X-Rate-Limit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Admission control sits before the handlers so denied requests never
	// reach them.
	router.Use(RateLimit(ctrl, routes, trustForwardedFor, emitter, logger))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"authgate"}`))
	})

	router.Post(PathRegister, authHandler.Register)
	router.Post(PathLogin, authHandler.Login)
	router.Post(PathLogout, authHandler.Logout)
	router.Post(PathVerifyEmail, authHandler.VerifyEmail)
	router.Post(PathForgotPassword, authHandler.ForgotPassword)
	router.Post(PathResetPassword, authHandler.ResetPassword)

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}
