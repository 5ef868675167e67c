package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
)

// Routes are the optional endpoints mounted next to the saga API.
type Routes struct {
	// Events streams saga transitions, e.g. a realtime.Hub.
	Events  http.Handler
	Metrics http.Handler
}

func NewRouter(handler *Handler, extra Routes, log logr.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1/sagas", func(r chi.Router) {
		r.Post("/", handler.StartSaga)
		r.Get("/{id}", handler.GetSaga)
		r.Post("/{id}/steps/{step}/outcome", handler.ReportOutcome)
	})
	if extra.Events != nil {
		r.Handle("/v1/events", extra.Events)
	}
	if extra.Metrics != nil {
		r.Handle("/metrics", extra.Metrics)
	}
	return r
}

func requestLogger(log logr.Logger) func(http.Handler) http.Handler {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.V(1).Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
