package runtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/omegawire/internal/chronicle"
	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
	"github.com/drblury/omegawire/internal/runtime/logging"
)

// AdminOptions configures the admin HTTP API.
type AdminOptions struct {
	// CORSAllowedOrigins lists origins allowed to call the API. "*" allows
	// any origin; empty sends no CORS headers.
	CORSAllowedOrigins []string
	// Gatherer backs /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
	Logger   logging.ServiceLogger
}

type adminAPI struct {
	orchestrator *Orchestrator
	origins      []string
	logger       logging.ServiceLogger
}

// NewAdminHandler exposes breaker state, the chronicle and metrics over HTTP:
//
//	GET  /api/circuits
//	POST /api/circuits/reset[?key=<handler key>]
//	POST /api/circuits/evict
//	GET  /api/chronicle[?trace_id=|message_id=]
//	GET  /api/chronicle/verify
//	GET  /api/stats
//	GET  /metrics
func NewAdminHandler(o *Orchestrator, opts AdminOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	api := &adminAPI{orchestrator: o, origins: opts.CORSAllowedOrigins, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/circuits", api.route(http.MethodGet, api.handleGetCircuits))
	mux.HandleFunc("/api/circuits/reset", api.route(http.MethodPost, api.handleResetCircuits))
	mux.HandleFunc("/api/circuits/evict", api.route(http.MethodPost, api.handleEvictCircuits))
	mux.HandleFunc("/api/chronicle", api.route(http.MethodGet, api.handleGetChronicle))
	mux.HandleFunc("/api/chronicle/verify", api.route(http.MethodGet, api.handleVerifyChronicle))
	mux.HandleFunc("/api/stats", api.route(http.MethodGet, api.handleGetStats))
	mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// StartAdminServer registers the admin API on the configured port. It is a
// no-op unless AdminEnabled is set.
func (s *Service) StartAdminServer() {
	if !s.Conf.AdminEnabled {
		return
	}

	handler := NewAdminHandler(s.orchestrator, AdminOptions{
		CORSAllowedOrigins: s.Conf.AdminCORSAllowedOrigins,
		Gatherer:           s.gatherer,
		Logger:             s.Logger,
	})
	s.RegisterHTTPHandler(s.Conf.AdminPort, "/", handler)
}

// route applies CORS headers, answers preflight requests and rejects other
// methods than the one given.
func (a *adminAPI) route(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(a.origins) > 0 {
			if allowed := a.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", method+", OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != method {
			w.Header().Set("Allow", method)
			a.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		next(w, r)
	}
}

// allowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (a *adminAPI) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range a.origins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (a *adminAPI) handleGetCircuits(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.orchestrator.CircuitStates())
}

func (a *adminAPI) handleResetCircuits(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		a.orchestrator.ResetAllCircuits()
		a.writeJSON(w, http.StatusOK, map[string]any{"reset": "all"})
		return
	}
	if !a.orchestrator.ResetCircuit(key) {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown handler key " + key})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"reset": key})
}

func (a *adminAPI) handleEvictCircuits(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]int{"evicted": a.orchestrator.EvictIdleCircuits()})
}

func (a *adminAPI) handleGetChronicle(w http.ResponseWriter, r *http.Request) {
	c := a.orchestrator.Chronicle()
	query := r.URL.Query()

	var (
		records []chronicle.Record
		err     error
	)
	switch {
	case query.Get("trace_id") != "":
		records, err = c.ForTrace(r.Context(), query.Get("trace_id"))
	case query.Get("message_id") != "":
		records, err = c.ForMessage(r.Context(), query.Get("message_id"))
	default:
		records, err = c.Snapshot(r.Context())
	}
	if err != nil {
		a.logger.Error("Failed to read chronicle", err, nil)
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "chronicle unavailable"})
		return
	}
	if records == nil {
		records = []chronicle.Record{}
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *adminAPI) handleVerifyChronicle(w http.ResponseWriter, r *http.Request) {
	c := a.orchestrator.Chronicle()
	size, err := c.Size(r.Context())
	if err != nil {
		a.logger.Error("Failed to read chronicle", err, nil)
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "chronicle unavailable"})
		return
	}
	if err := c.Verify(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chronicle.ErrChainBroken) {
			status = http.StatusConflict
		}
		a.writeJSON(w, status, map[string]any{"valid": false, "size": size, "error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"valid": true, "size": size})
}

func (a *adminAPI) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"dispatch":         a.orchestrator.Metrics().GetSnapshot(),
		"orphans_inflight": a.orchestrator.Orphans(),
		"circuits":         len(a.orchestrator.CircuitStates()),
	})
}

func (a *adminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		a.logger.Error("Failed to encode admin response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
