package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"person-detect-go/internal/core/models"
	"person-detect-go/internal/core/viewmodel"

	log "github.com/sirupsen/logrus"
)

// Event types sent to clients.
const (
	EventAnalysis = "analysis"
	EventDisplay  = "display"
)

// Client is a single connected SSE client.
type Client chan []byte

// Message is the envelope every event is wrapped in.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// AnalysisData is the compact form of a stored analysis sent to clients.
type AnalysisData struct {
	ID          uint    `json:"id"`
	SnapshotURL string  `json:"snapshot_url"`
	Source      string  `json:"source"`
	Outcome     string  `json:"outcome"`
	PersonCount int     `json:"person_count"`
	Display     string  `json:"display"`
	Error       string  `json:"error,omitempty"`
	Timestamp   string  `json:"timestamp"`
	Detections  []Label `json:"detections"`
}

// Label is one detection in AnalysisData.
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Hub fans out broadcasts to the registered clients.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan []byte
	register   chan Client
	unregister chan Client
	done       chan struct{}
	mu         sync.Mutex
}

// NewHub creates a hub. Run must be started before clients register.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		done:       make(chan struct{}),
		clients:    make(map[Client]bool),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	log.Info("SSE hub started")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				log.Infof("SSE client unregistered. Total clients: %d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			log.Debugf("Broadcasting message to %d SSE clients", len(h.clients))
			for client := range h.clients {
				select {
				case client <- message:
				default:
					log.Warn("SSE client channel full, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			log.Info("SSE hub stopped")
			return
		}
	}
}

// Register adds a client. The hub closes the channel when it drops the client.
// After the hub stopped the channel is closed right away.
func (h *Hub) Register(client Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client)
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(client Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues a raw message without blocking; it is dropped when the
// queue is full.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// BroadcastEvent wraps data in a Message and broadcasts it.
func (h *Hub) BroadcastEvent(eventType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		log.Errorf("Failed to marshal %s event for SSE: %v", eventType, err)
		return
	}
	h.Broadcast(payload)
}

// BroadcastAnalysis announces a stored analysis.
func (h *Hub) BroadcastAnalysis(analysis models.Analysis, snapshotURL string) {
	data := AnalysisData{
		ID:          analysis.ID,
		SnapshotURL: snapshotURL,
		Source:      analysis.Source,
		Outcome:     analysis.Outcome,
		PersonCount: analysis.PersonCount,
		Display:     analysis.Display,
		Error:       analysis.Error,
		Timestamp:   analysis.Timestamp.Format(time.RFC3339),
		Detections:  make([]Label, 0, len(analysis.Detections)),
	}
	for _, d := range analysis.Detections {
		data.Detections = append(data.Detections, Label{Name: d.Label, Confidence: d.Confidence})
	}
	h.BroadcastEvent(EventAnalysis, data)
}

// BroadcastDisplay announces a view-model state change.
func (h *Hub) BroadcastDisplay(state viewmodel.State) {
	h.BroadcastEvent(EventDisplay, state)
}
