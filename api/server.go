/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in X-Request-ID
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request logging with a request scoped logger
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count and latency per route
  6. CORS:       Cross-origin requests for the frontend
  7. Auth:       Bearer JWT to principal (API routes only)

ROUTE GROUPS:
  /healthz              Liveness and storage check
  /metrics              Prometheus scrape endpoint
  /api/projects, /api/stores, /api/categories, /api/products
  /api/purchases, /api/issues
  /api/balances, /api/movements, /api/reports/{kind}
  /api/rpc/*            Function style endpoints
  /api/admin/*          Admin operations
  /api/scenarios/*      Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/logger"
)

type RouterConfig struct {
	CORSAllowOrigins []string
	// MetricsEnabled mounts /metrics.
	MetricsEnabled bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSAllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)
		})

		r.Route("/stores", func(r chi.Router) {
			r.Get("/", h.ListStores)
			r.Post("/", h.CreateStore)
			r.Get("/{id}", h.GetStore)
			r.Put("/{id}", h.UpdateStore)
			r.Delete("/{id}", h.DeleteStore)
		})

		r.Route("/categories", func(r chi.Router) {
			r.Get("/", h.ListCategories)
			r.Post("/", h.CreateCategory)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
			r.Put("/{id}", h.UpdateProduct)
			r.Delete("/{id}", h.DeleteProduct)
		})

		r.Route("/purchases", func(r chi.Router) {
			r.Get("/", h.ListPurchases)
			r.Post("/", h.RecordPurchase)
			r.Delete("/{id}", h.DeletePurchase)
		})

		r.Route("/issues", func(r chi.Router) {
			r.Get("/", h.ListIssues)
			r.Post("/", h.RecordIssue)
			r.Delete("/{id}", h.DeleteIssue)
		})

		r.Get("/balances", h.ListBalances)
		r.Get("/movements", h.ListMovements)
		r.Get("/reports/{kind}", h.PeriodReport)

		r.Post("/rpc/get_average_cost", h.GetAverageCost)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconciliation", h.Reconcile)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger attaches a request scoped zap logger to the context and
// logs each request once it completes.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, l := logger.WithRequestID(r.Context(), h.logger, middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set(middleware.RequestIDHeader, middleware.GetReqID(r.Context()))

		next.ServeHTTP(ww, r.WithContext(ctx))

		l.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// instrument records request count and latency by route pattern, so ids
// in paths do not explode label cardinality.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		h.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, code).Inc()
		h.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}
