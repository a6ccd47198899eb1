package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oshokin/factory-update/internal/domain/update"
	"github.com/oshokin/factory-update/internal/logger"
	"github.com/oshokin/factory-update/internal/version"
)

// Source is the read-only view of the watcher the endpoints render.
type Source interface {
	GetLatestHash() (string, bool)
	GetDaemonPort() int
	DaemonRunning() bool
	Counters() update.Counters
	Versions() ([]string, error)
}

// Status is the /status document.
type Status struct {
	LatestHash    string          `json:"latest_hash"`
	DaemonPort    int             `json:"daemon_port"`
	DaemonRunning bool            `json:"daemon_running"`
	Counters      update.Counters `json:"counters"`
	Versions      []string        `json:"versions"`
	Build         version.Info    `json:"build"`
}

// NewHandler builds the ops router. metrics may be nil to omit /metrics.
func NewHandler(src Source, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/latest", func(w http.ResponseWriter, _ *http.Request) {
		hash, ok := src.GetLatestHash()
		if !ok {
			http.Error(w, "no version published yet", http.StatusNotFound)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(hash + "\n"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		versions, err := src.Versions()
		if err != nil {
			logger.ErrorKV(req.Context(), "List versions failed", "error", err)
			http.Error(w, "list versions failed", http.StatusInternalServerError)

			return
		}

		hash, _ := src.GetLatestHash()

		if versions == nil {
			versions = []string{}
		}

		writeJSON(w, &Status{
			LatestHash:    hash,
			DaemonPort:    src.GetDaemonPort(),
			DaemonRunning: src.DaemonRunning(),
			Counters:      src.Counters(),
			Versions:      versions,
			Build:         version.Get(),
		})
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	_ = encoder.Encode(v)
}

// accessLog logs every request at debug level with its route pattern.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		logger.DebugKV(r.Context(), "HTTP request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
