package sse

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client represents a single connected SSE client: a channel where we send
// messages destined for this client.
type Client chan []byte

// Hub manages the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan []byte
	register   chan Client
	unregister chan Client
	mu         sync.Mutex
}

// DetectionEvent is the payload broadcast for every accepted detection.
type DetectionEvent struct {
	CameraID    uint      `json:"camera_id"`
	CameraName  string    `json:"camera_name"`
	Status      string    `json:"status"`
	Confidence  float64   `json:"confidence"`
	TrackID     int       `json:"track_id,omitempty"`
	SnapshotID  uint      `json:"snapshot_id,omitempty"`
	SnapshotURL string    `json:"snapshot_url,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
	}
}

// Run starts the hub's processing loop. It should run in its own goroutine.
func (h *Hub) Run() {
	log.Info("SSE hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debugf("SSE client registered, total clients: %d", len(h.clients))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client) // signals the client handler to stop
				log.Debugf("SSE client unregistered, total clients: %d", len(h.clients))
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				// Never block on a slow client; drop the message instead.
				select {
				case client <- message:
				default:
					log.Warn("SSE client channel full, dropping message")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client Client) {
	h.unregister <- client
}

// BroadcastDetection serializes and broadcasts a detection event.
func (h *Hub) BroadcastDetection(event DetectionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("Failed to marshal SSE detection event")
		return
	}
	// The frame loop must never stall on the hub.
	select {
	case h.broadcast <- payload:
	default:
		log.Warn("SSE broadcast buffer full, dropping detection event")
	}
}
