package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nervehq/nerve/internal/commandplane"
	"github.com/nervehq/nerve/pkg/nerveapi"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nerve_commandplane_commands_total",
		Help: "Total commands dispatched by command type and outcome.",
	}, []string{"command", "outcome"})

	commandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nerve_commandplane_command_duration_seconds",
		Help:    "Command dispatch latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})
)

// HTTPTransport serves a REST-like command endpoint, a /health liveness
// check, a /metrics Prometheus scrape endpoint, and a WebSocket upgrade
// on /stream that answers each Request with one Reply. No StepEvent or
// workflow Event is pushed over it.
type HTTPTransport struct {
	Addr       string
	dispatcher *commandplane.Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHTTPTransport constructs an HTTPTransport listening on addr.
func NewHTTPTransport(addr string, d *commandplane.Dispatcher, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		Addr:       addr,
		dispatcher: d,
		logger:     logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

func (t *HTTPTransport) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", t.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/command", t.handleCommand)
	mux.HandleFunc("/api/shutdown", t.handleShutdown)
	mux.HandleFunc("/stream", t.handleStream)
	return mux
}

// ListenAndServe serves the HTTP transport until ctx is done.
func (t *HTTPTransport) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: t.Addr, Handler: t.mux()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reply := t.dispatcher.Dispatch(r.Context(), nerveapi.Request{Version: nerveapi.ProtocolVersion, Type: nerveapi.Shutdown})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func (t *HTTPTransport) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req nerveapi.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(nerveapi.ErrReply("", "invalid_request_error", err.Error()))
		return
	}

	timer := prometheus.NewTimer(commandLatency.WithLabelValues(string(req.Type)))
	reply := t.dispatcher.Dispatch(r.Context(), req)
	timer.ObserveDuration()

	outcome := "ok"
	if reply.Error != nil {
		outcome = "error"
	}
	commandsTotal.WithLabelValues(string(req.Type), outcome).Inc()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

// handleStream upgrades to a WebSocket and relays every Request it
// receives through the dispatcher, writing back a Reply per message over
// one open connection. It sends nothing but those replies: no StepEvent
// or workflow Event is pushed while a RUN_GRAPH/EXECUTE_WORKFLOW runs.
func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req nerveapi.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		reply := t.dispatcher.Dispatch(r.Context(), req)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}
