// Package dashboard provides a real-time sync status server.
//
// The dashboard broadcasts drain results, dropped operations, local-only
// fallbacks and queue depth changes to connected WebSocket clients, and
// serves the engine status, Prometheus metrics and a manual sync trigger
// over plain HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/lifesync/internal/engine"
)

// MessageType names the engine event a Message carries.
type MessageType string

const (
	// MessageTypeDrainFinished carries an engine.DrainResult
	MessageTypeDrainFinished MessageType = "drain_finished"

	// MessageTypeOperationDropped indicates a queued operation was dropped
	MessageTypeOperationDropped MessageType = "operation_dropped"

	// MessageTypeFallback indicates an entity write stayed local
	MessageTypeFallback MessageType = "fallback"

	// MessageTypeQueueDepth carries the current queue depth
	MessageTypeQueueDepth MessageType = "queue_depth"

	// MessageTypeStatus carries an engine.Status; sent on connect
	MessageTypeStatus MessageType = "status"
)

// Message is one engine event pushed to watchers.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusFunc reports the engine status.
type StatusFunc func(ctx context.Context) engine.Status

// TriggerFunc requests a drain.
type TriggerFunc func(reason string)

// Server serves the sync status routes and pushes engine events to the
// dashboards watching over WebSocket.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	mux      *http.ServeMux

	status  StatusFunc
	trigger TriggerFunc

	watchers   map[*websocket.Conn]struct{}
	watchersMu sync.RWMutex

	// Engine events waiting to be pushed, in observer order.
	events chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config configures a Server.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7420). Port 0 picks a free port.
	Addr string

	// Status backs GET /status and the status message sent on connect.
	Status StatusFunc

	// Trigger backs POST /sync. Nil disables the endpoint.
	Trigger TriggerFunc

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Logger receives watcher and listener events (default: log.Default()).
	Logger *log.Logger
}

// DefaultConfig listens on the loopback dashboard port.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:7420",
		Logger: log.Default(),
	}
}

// NewServer wires the status routes; nothing listens until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      config.Addr,
		status:    config.Status,
		trigger:   config.Trigger,
		watchers: make(map[*websocket.Conn]struct{}),
		events:   make(chan Message, 100),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/sync", s.handleSync)
	if config.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("/", s.handleRoot)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and begins pushing events.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.pushEvents()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync dashboard on http://%s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("ERROR: dashboard: %v", err)
		}
	}()

	return nil
}

// Stop disconnects every watcher and shuts the listener down, waiting up to
// five seconds for in-flight requests.
func (s *Server) Stop() error {
	s.cancel()

	s.watchersMu.Lock()
	for conn := range s.watchers {
		_ = conn.Close(websocket.StatusGoingAway, "sync dashboard stopping")
		delete(s.watchers, conn)
	}
	s.watchersMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop dashboard: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Sync dashboard stopped")
	return nil
}

// Broadcast queues msg for every watcher. It never blocks the engine: when
// the watchers fall behind the event is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.events <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("WARNING: dashboard behind, dropping %s event", msg.Type)
	}
}

func (s *Server) pushEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.events:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("WARNING: failed to encode %s event: %v", msg.Type, err)
				continue
			}
			for _, conn := range s.snapshotWatchers() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Dropping watcher after failed %s push: %v", msg.Type, err)
					s.dropWatcher(conn)
				}
			}
		}
	}
}

// snapshotWatchers copies the watcher set so pushes happen without the lock;
// a stalled dashboard must not hold up new connections.
func (s *Server) snapshotWatchers() []*websocket.Conn {
	s.watchersMu.RLock()
	defer s.watchersMu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(s.watchers))
	for conn := range s.watchers {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WARNING: dashboard upgrade: %v", err)
		return
	}

	s.watchersMu.Lock()
	s.watchers[conn] = struct{}{}
	n := len(s.watchers)
	s.watchersMu.Unlock()
	s.logger.Printf("Status watcher connected (%d watching)", n)

	// A new watcher renders the queue right away instead of waiting for the
	// next drain.
	welcome := Message{Type: MessageTypeStatus, Timestamp: time.Now()}
	if s.status != nil {
		welcome.Data, _ = json.Marshal(s.status(r.Context()))
	}
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.awaitClose(conn)
}

// awaitClose reads until the watcher goes away. Watchers send nothing the
// dashboard acts on.
func (s *Server) awaitClose(conn *websocket.Conn) {
	defer s.dropWatcher(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) dropWatcher(conn *websocket.Conn) {
	s.watchersMu.Lock()
	_, ok := s.watchers[conn]
	delete(s.watchers, conn)
	n := len(s.watchers)
	s.watchersMu.Unlock()
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Status watcher left (%d watching)", n)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.trigger == nil {
		http.Error(w, "sync trigger unavailable", http.StatusServiceUnavailable)
		return
	}
	s.trigger("dashboard")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>lifesync</title>
</head>
<body>
    <h1>lifesync sync status</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a> &middot; Metrics: <a href="/metrics">/metrics</a> &middot; Health: <a href="/health">/health</a></p>
    <p>POST /sync requests a drain of the sync queue.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the bound address once started, the configured one before.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns how many dashboards are watching.
func (s *Server) ClientCount() int {
	s.watchersMu.RLock()
	defer s.watchersMu.RUnlock()
	return len(s.watchers)
}
