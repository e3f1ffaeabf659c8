// Package httpserver exposes the telemetry surface: the Prometheus scrape
// endpoint, a JSON API over the discovered devices and their latest
// snapshots, and a WebSocket live stream.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openinfer/telemetryd/internal/api"
	"github.com/openinfer/telemetryd/internal/config"
	"github.com/openinfer/telemetryd/internal/gpu"
	"github.com/openinfer/telemetryd/internal/metrics"
	"github.com/openinfer/telemetryd/internal/sampler"
	"github.com/openinfer/telemetryd/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Server wraps the HTTP surface area of the daemon.
type Server struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	facility    *metrics.Metrics
	devices     []gpu.Device
	deviceIndex map[string]gpu.Device

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. Call after accelerator metrics
// have been enabled so the device list is settled.
func New(cfg config.Config, logger *slog.Logger, facility *metrics.Metrics) *Server {
	devices := facility.Devices()

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		facility:    facility,
		devices:     devices,
		deviceIndex: make(map[string]gpu.Device, len(devices)),
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}
	for _, device := range devices {
		s.deviceIndex[device.UUID] = device
	}

	s.registerSelfMetrics(facility.Registry())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(facility.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/gpus", s.handleAPIGPUs)
	mux.HandleFunc("/api/gpus/", s.handleAPIGPUSubresource)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info := s.readiness()
	logger := s.loggerFromContext(r.Context())

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		logger.Error("failed to encode readyz response", "err", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger := s.loggerFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(version.Current()); err != nil {
		logger.Error("failed to encode version response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleAPIGPUs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logger := s.loggerFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.devices); err != nil {
		logger.Error("failed to encode device list", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleAPIGPUSubresource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	const prefix = "/api/gpus/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	uuid := segments[0]
	if _, ok := s.deviceIndex[uuid]; !ok {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "metrics":
		s.serveDeviceMetrics(w, r, uuid)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveDeviceMetrics(w http.ResponseWriter, r *http.Request, uuid string) {
	manager := s.facility.Sampler()
	if manager == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	sample, ok := manager.Latest(uuid)
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return
	}

	logger := s.loggerFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sample); err != nil {
		logger.Error("failed to encode device metrics", "gpu_uuid", uuid, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	defer closeWebsocket(reqLogger, conn)

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var (
		subCh       <-chan sampler.Sample
		unsubscribe func()
		currentUUID string
	)

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		outbound.close()
		cancel()
		<-writerDone
	}()

	hello := api.NewHelloMessage(int(s.cfg.SampleInterval/time.Millisecond), s.devices)
	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	switchSubscription := func(target string) error {
		if target == "" {
			return fmt.Errorf("empty device uuid")
		}
		if _, ok := s.deviceIndex[target]; !ok {
			return fmt.Errorf("unknown device %q", target)
		}
		manager := s.facility.Sampler()
		if manager == nil {
			return fmt.Errorf("sampler unavailable")
		}
		if target == currentUUID {
			return nil
		}
		if unsubscribe != nil {
			unsubscribe()
			unsubscribe = nil
			subCh = nil
		}
		ch, cancelSub, err := manager.Subscribe(target)
		if err != nil {
			return err
		}
		subCh = ch
		unsubscribe = cancelSub
		currentUUID = target
		logger.Info("ws subscribed", "gpu_uuid", target)
		return nil
	}

	defaultUUID := s.defaultDevice()
	if defaultUUID != "" {
		if err := switchSubscription(defaultUUID); err != nil {
			logger.Warn("failed to subscribe default device", "gpu_uuid", defaultUUID, "err", err)
			_ = s.enqueueError(outbound, fmt.Sprintf("failed to subscribe default device: %v", err), logger)
		}
	} else {
		_ = s.enqueueError(outbound, "no accelerators detected", logger)
	}

	for {
		select {
		case sample, ok := <-subCh:
			if !ok {
				subCh = nil
				currentUUID = ""
				continue
			}
			if !s.enqueueMessage(outbound, api.NewStatsMessage(sample), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, switchSubscription, defaultUUID, logger); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return
				}
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) defaultDevice() string {
	if len(s.devices) > 0 {
		return s.devices[0].UUID
	}
	return ""
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			// A read deadline closes the connection, so idle clients
			// past the timeout are dropped rather than retried.
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, switchSubscription func(string) error, defaultUUID string, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "subscribe":
		var msg api.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.enqueueError(outbound, "invalid subscribe payload", logger) {
				return fmt.Errorf("failed to enqueue subscribe error")
			}
			return nil
		}
		target := msg.UUID
		if target == "" {
			target = defaultUUID
		}
		if target == "" {
			if !s.enqueueError(outbound, "no gpu_uuid provided and no default available", logger) {
				return fmt.Errorf("failed to enqueue device missing error")
			}
			return nil
		}
		if err := switchSubscription(target); err != nil {
			if !s.enqueueError(outbound, err.Error(), logger) {
				return fmt.Errorf("failed to enqueue subscription error")
			}
		}
	case "ping":
		if !s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: msg}, logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

// registerSelfMetrics exposes the server's own WebSocket counters alongside
// the telemetry families so operators can see stream health on the same
// scrape.
func (s *Server) registerSelfMetrics(registry *prometheus.Registry) {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "telemetryd",
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "telemetryd",
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{Devices: len(s.devices)}

	if len(s.devices) == 0 {
		resp.Status = "ok"
		return resp
	}

	manager := s.facility.Sampler()
	if manager == nil {
		resp.Status = "degraded"
		resp.Reason = "sampler_not_started"
		return resp
	}

	resp.Sampler = manager.State().String()
	switch manager.State() {
	case sampler.StateRunning:
		if manager.Ready() {
			resp.Status = "ok"
			return resp
		}
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
	case sampler.StateIdle:
		resp.Status = "initializing"
		resp.Reason = "sampler_starting"
	default:
		resp.Status = "degraded"
		resp.Reason = "sampler_stopped"
	}
	return resp
}

type readyResponse struct {
	Status  string `json:"status"`
	Devices int    `json:"devices"`
	Sampler string `json:"sampler,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	// Queue full: drop the oldest message to make room.
	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
