package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the master's HTTP surface: the two agent report
// endpoints, a JSON health check, and a Prometheus scrape endpoint.
func NewRouter(s *Server) http.Handler {
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware)
	if s.Tracing != nil {
		r.Use(s.Tracing.TraceMiddleware())
	}

	r.HandleFunc("/api/v1/report_gpu/", s.ReportGPU).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/report_tasks/", s.ReportTasks).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
