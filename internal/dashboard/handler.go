package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mschirtzinger/lifesync/internal/engine"
	"github.com/mschirtzinger/lifesync/internal/queue"
	"github.com/mschirtzinger/lifesync/internal/syncerr"
)

// DroppedData describes an operation that left the queue unapplied.
type DroppedData struct {
	OperationID string `json:"operation_id"`
	Table       string `json:"table"`
	Operation   string `json:"operation"`
	Reason      string `json:"reason"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error"`
}

// FallbackData describes an entity write that stayed local.
type FallbackData struct {
	Kind      string `json:"kind"`
	Operation string `json:"operation"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error,omitempty"`
}

// QueueDepthData carries the queue depth.
type QueueDepthData struct {
	Depth int `json:"depth"`
}

// StatsData summarizes what the handler has seen since it started.
type StatsData struct {
	Drains    int            `json:"drains"`
	Processed int            `json:"processed"`
	Dropped   map[string]int `json:"dropped"`
	Fallbacks int            `json:"fallbacks"`
	Depth     int            `json:"depth"`
}

// Handler turns engine events into dashboard messages. It implements
// engine.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ engine.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{Dropped: make(map[string]int)},
	}
}

func (h *Handler) send(t MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: dataJSON})
}

// DrainFinished implements engine.Observer.
func (h *Handler) DrainFinished(r engine.DrainResult) {
	h.mu.Lock()
	h.stats.Drains++
	h.stats.Processed += r.Processed
	h.mu.Unlock()

	h.send(MessageTypeDrainFinished, r)
}

// OperationDropped implements engine.Observer.
func (h *Handler) OperationDropped(op queue.Operation, reason string, err error) {
	h.mu.Lock()
	h.stats.Dropped[reason]++
	h.mu.Unlock()

	data := DroppedData{
		OperationID: op.ID,
		Table:       op.Table,
		Operation:   string(op.Dispatch()),
		Reason:      reason,
		RetryCount:  op.RetryCount,
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeOperationDropped, data)
}

// Fallback implements engine.Observer.
func (h *Handler) Fallback(kind, op string, errKind syncerr.Kind, err error) {
	h.mu.Lock()
	h.stats.Fallbacks++
	h.mu.Unlock()

	data := FallbackData{Kind: kind, Operation: op, ErrorKind: errKind.String()}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeFallback, data)
}

// QueueChanged implements engine.Observer.
func (h *Handler) QueueChanged(depth int) {
	h.mu.Lock()
	h.stats.Depth = depth
	h.mu.Unlock()

	h.send(MessageTypeQueueDepth, QueueDepthData{Depth: depth})
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.Dropped = make(map[string]int, len(h.stats.Dropped))
	for k, v := range h.stats.Dropped {
		out.Dropped[k] = v
	}
	return out
}
