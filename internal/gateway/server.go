package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/dispatch/internal/config"
	"github.com/wudi/dispatch/internal/dispatch"
	"github.com/wudi/dispatch/internal/logging"
	"github.com/wudi/dispatch/internal/variables"
)

const maxInboundBody = 16 << 20 // 16 MiB

// Server runs the inbound listener and, when enabled, the admin listener.
type Server struct {
	gateway *Gateway
	cfg     *config.Config
	inbound *http.Server
	admin   *http.Server
}

// NewServer builds both listeners around a gateway.
func NewServer(g *Gateway, cfg *config.Config) *Server {
	s := &Server{gateway: g, cfg: cfg}

	s.inbound = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           http.HandlerFunc(s.handleInbound),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:    cfg.Admin.Address,
			Handler: s.adminMux(),
		}
	}
	return s
}

// handleInbound adapts an HTTP request into the dispatch pipeline and writes
// the pipeline's response back.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	}

	req := &dispatch.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   flattenHeaders(r.Header),
		Query:     flattenQuery(r.URL.Query()),
		Body:      body,
		ClientIP:  variables.ExtractClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: uuid.New().String(),
	}

	resp := s.gateway.Handle(r.Context(), req)

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if resp.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("X-Request-Id", req.RequestID)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)

	logging.Info("request",
		zap.String("request_id", req.RequestID),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("route_id", resp.RouteID),
		zap.Int("status", resp.Status),
		zap.Bool("cached", resp.Cached),
		zap.Duration("latency", time.Since(start)),
		zap.String("client_ip", req.ClientIP))
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

func flattenQuery(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for name, vs := range values {
		if len(vs) > 0 {
			out[name] = vs[0]
		}
	}
	return out
}

// adminMux exposes the operator surface.
func (s *Server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/routes/", s.handleRoute)
	mux.HandleFunc("/routes/export", s.handleExport)
	mux.HandleFunc("/routes/import", s.handleImport)
	mux.HandleFunc("/cache", s.handleCache)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)

	metricsPath := s.cfg.Admin.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(metricsPath, s.gateway.Metrics().Handler())
	return mux
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"routes": s.gateway.GetRoutes()})
	case http.MethodPost:
		var rc config.RouteConfig
		if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		route, err := s.gateway.RegisterRoute(rc)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, route.Config())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRoute serves /routes/{id}: GET, PATCH, DELETE.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/routes/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rc, ok := s.gateway.GetRoute(id)
		if !ok {
			writeError(w, http.StatusNotFound, "route not found")
			return
		}
		writeJSON(w, http.StatusOK, rc)
	case http.MethodPatch:
		var upd config.RouteUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		route, err := s.gateway.UpdateRoute(id, upd)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, route.Config())
	case http.MethodDelete:
		if err := s.gateway.UnregisterRoute(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	data, err := s.gateway.ExportRoutes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := s.gateway.ImportRoutes(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": count})
}

// handleCache serves GET /cache (stats) and DELETE /cache?route=<id>.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.gateway.CacheStats())
	case http.MethodDelete:
		s.gateway.ClearCache(r.URL.Query().Get("route"))
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if id := r.URL.Query().Get("route"); id != "" {
		snap, ok := s.gateway.GetRouteMetrics(id)
		if !ok {
			writeError(w, http.StatusNotFound, "route not found")
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"global": s.gateway.GetMetrics(),
		"routes": s.gateway.Metrics().Routes(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.gateway.HealthCheck(r.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Run starts the listeners and blocks until SIGINT or SIGTERM, then drains
// connections before returning.
func (s *Server) Run() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("listener started", zap.String("address", s.inbound.Addr))
		if err := s.inbound.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if s.admin != nil {
		go func() {
			logging.Info("admin listener started", zap.String("address", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	s.gateway.Checker().Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logging.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.admin != nil {
		s.admin.Shutdown(ctx)
	}
	err := s.inbound.Shutdown(ctx)
	s.gateway.Close()
	logging.Sync()
	return err
}
