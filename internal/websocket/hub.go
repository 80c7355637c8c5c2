package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/LabKey/platform-sub050/internal/infrastructure"
	"github.com/LabKey/platform-sub050/internal/operations"
)

// Message types sent to clients
const (
	TypeConnection = "connection"
	TypeJobStatus  = "job:status"
)

// Message is the envelope of every frame sent to clients
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// event is a frame queued for broadcast, with the container it concerns
type event struct {
	container string
	payload   []byte
}

// Hub keeps the connected clients and fans job updates out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan event
	register   chan *Client
	unregister chan *Client

	mu           sync.RWMutex
	running      bool
	messagesSent int64
	dropped      int64

	quit   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// NewHub creates a hub. Start must be called before clients connect.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
	}
}

// Start runs the hub loop in its own goroutine
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop disconnects every client and ends the hub loop
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			ctx := infrastructure.WithTraceID(context.Background(), client.traceID)
			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("container", client.container),
				slog.String("remote_addr", client.remoteAddr))

			if data, err := encode(TypeConnection, map[string]interface{}{
				"status":    "connected",
				"client_id": client.id,
				"container": client.container,
			}, client.traceID); err == nil {
				select {
				case client.send <- data:
				default:
					h.logger.WarnContext(ctx, "Failed to send connection message, client buffer full",
						slog.String("client_id", client.id))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				count := len(h.clients)
				h.mu.Unlock()

				h.logger.Info("Client unregistered",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			} else {
				h.mu.Unlock()
			}

		case ev := <-h.broadcast:
			h.mu.Lock()
			sent, failed := 0, 0
			for client := range h.clients {
				if !client.wants(ev.container) {
					continue
				}
				select {
				case client.send <- ev.payload:
					sent++
				default:
					// slow consumer
					failed++
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("Client send buffer full, disconnecting",
						slog.String("client_id", client.id))
				}
			}
			h.messagesSent += int64(sent)
			h.mu.Unlock()

			h.logger.Debug("Broadcast job update",
				slog.Int("sent", sent),
				slog.Int("failed", failed),
				slog.Int("payload_size", len(ev.payload)))
		}
	}
}

// BroadcastJob queues a job status frame for the clients watching the
// job's container. It never blocks; updates are dropped when the hub is
// stopped or its queue is full.
func (h *Hub) BroadcastJob(job *operations.Job) {
	traceID, _ := job.Metadata["trace_id"].(string)
	data, err := encode(TypeJobStatus, job, traceID)
	if err != nil {
		h.logger.Error("Error marshaling job update",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.quit:
		return
	default:
	}

	select {
	case h.broadcast <- event{container: job.ContainerID, payload: data}:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn("Broadcast queue full, dropping job update", slog.String("job_id", job.ID))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns hub counters
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"clients":          len(h.clients),
		"messages_sent":    h.messagesSent,
		"messages_dropped": h.dropped,
		"running":          h.running,
	}
}

func encode(msgType string, data interface{}, traceID string) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
		TraceID:   traceID,
	})
}
