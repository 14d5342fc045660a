// Package server provides the HTTP surface of the gateway: request
// submission, the worker callback intake, health, metrics, and the routing
// admin endpoint. The ingress handler orchestrates one request: validate,
// upload, route, dispatch-and-await, record latency, respond.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/monkeyocr/gateway/gateway"
	"github.com/monkeyocr/gateway/gateway/artifact"
	"github.com/monkeyocr/gateway/gateway/trace"
)

// Server wires the gateway components behind an http.Handler.
type Server struct {
	cfg        gateway.Config
	router     *gateway.Router
	correlator *gateway.Correlator
	store      artifact.Store
	recorder   trace.Recorder
	metrics    *gateway.Metrics
	mux        *http.ServeMux
}

// New creates a Server. gatherer may be nil to disable the /metrics endpoint.
func New(cfg gateway.Config, router *gateway.Router, correlator *gateway.Correlator,
	store artifact.Store, recorder trace.Recorder, metrics *gateway.Metrics,
	gatherer prometheus.Gatherer) *Server {
	if metrics == nil {
		metrics = gateway.NewMetrics(nil)
	}
	s := &Server{
		cfg:        cfg,
		router:     router,
		correlator: correlator,
		store:      store,
		recorder:   recorder,
		metrics:    metrics,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /ocr/{task}", s.handleOCR)
	s.mux.HandleFunc("POST /ocr/{task}/url", s.handleOCRByURL)
	s.mux.HandleFunc("POST /internal/callback", s.handleCallback)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /admin/routing", s.handleReloadRouting)
	s.mux.HandleFunc("POST /admin/pools/{pool}/health", s.handlePoolHealth)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}
