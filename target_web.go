package ecsviewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outbound websocket methods.
const (
	MethodViewState  = "viewState"
	MethodError      = "error"
	MethodDiagnostic = "diagnostic"
)

const maxSnapshotBytes = 8 << 20

// WebTarget serves the dashboard over HTTP and pushes every update to
// connected websocket clients. With a Controller it also accepts snapshots
// and highlight signals from the browser relay.
type WebTarget struct {
	addr       string
	server     *http.Server
	listener   net.Listener
	state      *ViewState
	mu         sync.RWMutex
	webDir     string // Optional directory with static web assets
	started    bool
	controller *Controller
	gatherer   prometheus.Gatherer
	hub        *wsHub
	logger     *slog.Logger
}

// WebOption configures a WebTarget.
type WebOption func(*WebTarget)

// WithWebDir sets the directory containing static web assets.
func WithWebDir(dir string) WebOption {
	return func(t *WebTarget) {
		t.webDir = dir
	}
}

// WithController enables the inbound routes: snapshot ingestion, messages
// and the state dump.
func WithController(c *Controller) WebOption {
	return func(t *WebTarget) {
		t.controller = c
	}
}

// WithMetricsGatherer exposes g at /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) WebOption {
	return func(t *WebTarget) {
		t.gatherer = g
	}
}

// WithWebLogger sets the logger.
func WithWebLogger(l *slog.Logger) WebOption {
	return func(t *WebTarget) {
		t.logger = l
	}
}

// NewWebTarget creates a target that serves the dashboard via HTTP.
func NewWebTarget(addr string, opts ...WebOption) (*WebTarget, error) {
	target := &WebTarget{
		addr:   addr,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(target)
	}
	target.hub = newHub(target.logger)

	return target, nil
}

// Name implements Target.
func (t *WebTarget) Name() string {
	return fmt.Sprintf("WebTarget(%s)", t.addr)
}

// Update implements Target.
func (t *WebTarget) Update(ctx context.Context, state *ViewState) error {
	t.mu.Lock()
	t.state = state
	wasStarted := t.started
	t.mu.Unlock()

	if t.hub.count() > 0 {
		if data, err := envelope(MethodViewState, ViewStateToJSON(state)); err != nil {
			t.logger.Warn("web: encode view state", "error", err)
		} else {
			t.hub.broadcast(data)
		}
	}

	// Auto-start server on first update
	if !wasStarted {
		return t.Start()
	}
	return nil
}

// PushDiagnostic broadcasts d to connected clients. It has the signature of
// a Processor.OnDiagnostic subscriber.
func (t *WebTarget) PushDiagnostic(d Diagnostic) {
	if t.hub.count() == 0 {
		return
	}
	msg := wsDiagnostic{Kind: d.Kind, Message: d.Message, At: d.At}
	if d.Err != nil {
		msg.Error = d.Err.Error()
	}
	data, err := envelope(MethodDiagnostic, msg)
	if err != nil {
		t.logger.Warn("web: encode diagnostic", "error", err)
		return
	}
	t.hub.broadcast(data)
}

// Handler returns the HTTP handler for embedding in existing servers.
func (t *WebTarget) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/viewmodel", t.handleViewmodel)
	r.Get("/ws", t.handleWebSocket)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if t.controller != nil {
		r.Get("/api/state", t.handleState)
		r.Post("/api/snapshot", t.handleSnapshot)
		r.Post("/api/message", t.handleMessage)
	}
	if t.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{}))
	}

	if t.webDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(t.webDir)))
	} else {
		r.Get("/", t.handleIndex)
	}

	return r
}

func (t *WebTarget) currentState() *ViewState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *WebTarget) handleViewmodel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, ViewStateToJSON(t.currentState()))
}

func (t *WebTarget) handleState(w http.ResponseWriter, r *http.Request) {
	dump, err := t.controller.Handle(r.Context(), Message{Method: MethodDumpState})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(dump)
}

func (t *WebTarget) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if _, err := t.controller.Handle(r.Context(), Message{Method: MethodRefreshData, Data: body}); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *WebTarget) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSnapshotBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply, err := t.controller.Handle(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

func (t *WebTarget) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if t.hub.count() >= t.hub.maxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("ws: upgrade failed", "error", err)
		return
	}
	client, ok := t.hub.add(conn)
	if !ok {
		conn.Close()
		return
	}
	t.logger.Debug("ws: client connected", "client", client.id, "remote", r.RemoteAddr)

	if state := t.currentState(); state != nil {
		if data, err := envelope(MethodViewState, ViewStateToJSON(state)); err == nil {
			if err := client.write(data); err != nil {
				t.hub.remove(client)
				return
			}
		}
	}

	t.readLoop(r.Context(), client)
}

// readLoop handles inbound messages until the client goes away.
func (t *WebTarget) readLoop(ctx context.Context, client *wsClient) {
	defer t.hub.remove(client)
	client.conn.SetReadLimit(wsMaxMessageSize)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("ws: read failed", "client", client.id, "error", err)
			}
			return
		}
		if t.controller == nil {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.replyError(client, "", err)
			continue
		}
		reply, err := t.controller.Handle(ctx, msg)
		if err != nil {
			t.replyError(client, msg.Method, err)
			continue
		}
		if reply != nil {
			out, err := json.Marshal(Message{Method: msg.Method, Data: reply})
			if err == nil {
				err = client.write(out)
			}
			if err != nil {
				return
			}
		}
	}
}

func (t *WebTarget) replyError(client *wsClient, method string, err error) {
	t.logger.Debug("ws: message rejected", "client", client.id, "method", method, "error", err)
	if data, mErr := envelope(MethodError, wsError{Method: method, Error: err.Error()}); mErr == nil {
		_ = client.write(data)
	}
}

func (t *WebTarget) handleIndex(w http.ResponseWriter, r *http.Request) {
	state := t.currentState()

	w.Header().Set("Content-Type", "text/html")

	entities, systems, next := 0, 0, "-"
	if state != nil {
		entities = state.NumEntities
		systems = len(state.Systems)
		next = state.NextSystem
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>ecsviewer</title>
    <style>
        body { font-family: system-ui; background: #1a1a2e; color: #eee; padding: 2rem; }
        h1 { color: #4ade80; }
        .info { background: #16213e; padding: 1rem; border-radius: 8px; margin: 1rem 0; }
        a { color: #60a5fa; }
    </style>
</head>
<body>
    <h1>ecsviewer</h1>
    <div class="info">
        <p><strong>Entities:</strong> %d</p>
        <p><strong>Systems:</strong> %d</p>
        <p><strong>Next system:</strong> %s</p>
        <p><strong>API:</strong> <a href="/api/viewmodel">/api/viewmodel</a></p>
    </div>
    <p>For the full interactive dashboard, configure WebTarget with a web assets directory.</p>
</body>
</html>`, entities, systems, html.EscapeString(next))

	w.Write([]byte(page))
}

// Start binds the listener and serves in the background. Update calls it on
// first use; calling it directly surfaces bind errors early.
func (t *WebTarget) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("web target listen %s: %w", t.addr, err)
	}
	t.listener = ln
	t.server = &http.Server{
		Handler: t.Handler(),
	}

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("web: server stopped", "error", err)
		}
	}()

	t.started = true
	t.logger.Info("web: listening", "addr", ln.Addr().String())
	return nil
}

// Close implements Target.
func (t *WebTarget) Close() error {
	t.hub.closeAll()

	t.mu.RLock()
	server := t.server
	t.mu.RUnlock()

	if server != nil {
		return server.Shutdown(context.Background())
	}
	return nil
}

// URL returns the URL where the web target is serving.
func (t *WebTarget) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return "http://" + t.listener.Addr().String()
	}
	return "http://localhost" + t.addr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps controller errors to HTTP status codes. Everything the
// controller rejects is a client error except a dump before the first
// snapshot.
func statusFor(err error) int {
	if errors.Is(err, errNoSnapshot) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
