package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/flashkv/internal/logger"
	"github.com/marmos91/flashkv/internal/telemetry"
	"github.com/marmos91/flashkv/pkg/api/auth"
	"github.com/marmos91/flashkv/pkg/api/handlers"
	apiMiddleware "github.com/marmos91/flashkv/pkg/api/middleware"
)

// Services are the device layers the agent exposes.
type Services struct {
	Probe   handlers.Probe
	Status  handlers.StatusFunc
	KV      handlers.KVStore
	FS      handlers.FileSystem
	Updater handlers.Updater
}

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - GET /health, GET /health/ready: unauthenticated probes
//   - /api/v1/kv, /api/v1/fs, /api/v1/ota: Bearer JWT when jwtService is
//     non-nil, open otherwise. Mutating routes need the operator role.
func NewRouter(svc Services, jwtService *auth.JWTService, requestTimeout time.Duration) http.Handler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	healthHandler := handlers.NewHealthHandler(svc.Probe, svc.Status)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if jwtService != nil {
			r.Use(apiMiddleware.JWTAuth(jwtService))
		}

		if svc.KV != nil {
			kv := handlers.NewKVHandler(svc.KV)
			r.Route("/kv", func(r chi.Router) {
				r.Get("/", kv.List)
				r.Get("/{key}", kv.Get)
				r.Group(func(r chi.Router) {
					r.Use(apiMiddleware.RequireWrite())
					r.Post("/commit", kv.Commit)
					r.Put("/{key}", kv.Put)
					r.Delete("/{key}", kv.Delete)
				})
			})
		}

		if svc.FS != nil {
			fs := handlers.NewFSHandler(svc.FS)
			r.Get("/fs", fs.List)
		}

		if svc.Updater != nil {
			up := handlers.NewOTAHandler(svc.Updater)
			r.Route("/ota", func(r chi.Router) {
				r.Get("/", up.Status)
				r.Group(func(r chi.Router) {
					r.Use(apiMiddleware.RequireWrite())
					r.Post("/session", up.Begin)
					r.Put("/session/data", up.Upload)
					r.Post("/session/finalize", up.Finalize)
					r.Delete("/session", up.Abort)
					r.Post("/activate", up.Activate)
					r.Put("/state", up.SetState)
				})
			})
		}
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger opens a server span for each request and attaches a
// LogContext carrying the request and trace ids, so handler logs made with
// the *Ctx functions can be correlated. Start is logged at DEBUG and
// completion at INFO.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())

		ctx, span := telemetry.StartHTTPSpan(r.Context(), r.Method, r.URL.Path, requestID)
		defer span.End()

		lc := logger.NewLogContext("request")
		lc.RequestID = requestID
		lc = lc.WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
		ctx = logger.WithContext(ctx, lc)

		logger.DebugCtx(ctx, "API request started",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.InfoCtx(ctx, "API request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.DurationMs(lc.StartTime),
		)
	})
}
