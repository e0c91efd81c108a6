package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-metrics"
	vaultapi "github.com/hashicorp/vault/api"

	"github.com/stephnangue/secretbroker/audit"
	"github.com/stephnangue/secretbroker/logger"
)

// MethodList lists the children of a prefix, like GET with ?list=true.
const MethodList = "LIST"

func init() {
	chi.RegisterMethod(MethodList)
}

// Broker is the secret API the handlers serve.
type Broker interface {
	GetSecret(ctx context.Context, path string) (map[string]any, error)
	UpsertSecret(ctx context.Context, path string, value map[string]any) error
	DeleteSecret(ctx context.Context, path string) error
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}

// HealthChecker reports on the backing store.
type HealthChecker interface {
	Health(ctx context.Context) (*vaultapi.HealthResponse, error)
}

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Broker Broker
	Health HealthChecker

	// Metrics backs /v1/sys/metrics. Nil disables the endpoint.
	Metrics *metrics.InmemSink

	// APIToken, when set, must be presented as a bearer token on every
	// route except health.
	APIToken string
	HMACer   *audit.HMACer

	// MaxBodyBytes bounds request bodies, 1MiB when zero.
	MaxBodyBytes int64

	Logger logger.Logger
}

type handler struct {
	props *HandlerProperties
	log   logger.Logger
}

// Handler creates and returns the main HTTP handler for the secret broker.
func Handler(props *HandlerProperties) http.Handler {
	log := props.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	if props.MaxBodyBytes <= 0 {
		props.MaxBodyBytes = 1 << 20
	}
	h := &handler{props: props, log: log}

	r := chi.NewRouter()
	r.Use(h.requestContext)
	r.Use(h.logRequests)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "unsupported path")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sys/health", h.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)

			r.Get("/sys/metrics", h.handleMetrics)

			r.Get("/secrets/*", h.handleSecretRead)
			r.Method(MethodList, "/secrets/*", http.HandlerFunc(h.handleSecretList))
			r.Put("/secrets/*", h.handleSecretWrite)
			r.Post("/secrets/*", h.handleSecretWrite)
			r.Delete("/secrets/*", h.handleSecretDelete)

			r.Get("/plugins/{organizationID}/{service}", h.handlePlugin)
		})
	})

	return wrapGenericHandler(r)
}

// wrapGenericHandler rejects anything outside /v1/ and disables caching of
// responses that may carry secrets.
func wrapGenericHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			respondError(w, http.StatusNotFound, "path must begin with /v1/")
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// requestContext carries the request id into the audit trail.
func (h *handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(audit.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs one line per request with the route, status and latency.
// Bodies and headers are never logged.
func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []logger.TypedField{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("took", time.Since(start)),
		}
		if id := middleware.GetReqID(r.Context()); id != "" {
			fields = append(fields, logger.String("request_id", id))
		}
		if ww.Status() >= http.StatusInternalServerError {
			h.log.Warn("request failed", fields...)
			return
		}
		h.log.Debug("request handled", fields...)
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.props.Health == nil {
		respondOk(w, map[string]any{"status": "ok"})
		return
	}

	health, err := h.props.Health.Health(r.Context())
	if err != nil {
		h.log.Warn("store health check failed", logger.Err(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"errors": []string{err.Error()},
		})
		return
	}

	status, code := "ok", http.StatusOK
	if health.Sealed || !health.Initialized {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status": status,
		"store": map[string]any{
			"initialized": health.Initialized,
			"sealed":      health.Sealed,
			"standby":     health.Standby,
			"version":     health.Version,
		},
	})
}

func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.props.Metrics == nil {
		respondError(w, http.StatusNotFound, "metrics are disabled")
		return
	}
	summary, err := h.props.Metrics.DisplayMetrics(w, r)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOk(w, summary)
}
