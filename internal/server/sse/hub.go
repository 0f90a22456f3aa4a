package sse

import (
	"encoding/json"
	"sync"
	"time"

	"wastesort-go/internal/session"

	log "github.com/sirupsen/logrus"
)

// Client repräsentiert einen einzelnen verbundenen SSE-Client
type Client chan []byte

// Hub verwaltet die aktiven Clients und sendet Broadcasts an sie
type Hub struct {
	// Registrierte Clients
	clients map[Client]bool

	// Ausgehende Nachrichten der Anwendung
	broadcast chan []byte

	register   chan Client
	unregister chan Client
	stop       chan struct{}

	mu sync.Mutex

	// Neuester bisher gesendeter Session-Snapshot
	seqMu   sync.Mutex
	lastSeq uint64
}

// SessionEventData ist die Nachricht, die nach jeder Zustandsänderung an das Dashboard geht
type SessionEventData struct {
	Type      string           `json:"type"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Session   session.Snapshot `json:"session"`
}

// NewHub erstellt eine neue Hub-Instanz
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		stop:       make(chan struct{}),
		clients:    make(map[Client]bool),
	}
}

// Run startet die Verarbeitungsschleife des Hubs.
// Sollte in einer eigenen Goroutine laufen.
func (h *Hub) Run() {
	log.Info("SSE Hub started and running")

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
					// Client-Kanal ist voll oder geschlossen
					log.Warn("SSE client channel full or closed, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			log.Info("SSE Hub stopped")
			return
		}
	}
}

// Stop beendet die Schleife und schließt alle Client-Kanäle
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Register registriert einen neuen Client. Liefert false, wenn der Hub gestoppt ist.
func (h *Hub) Register(client Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stop:
		return false
	}
}

// Unregister meldet einen Client vom Hub ab
func (h *Hub) Unregister(client Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// ClientCount liefert die Anzahl verbundener Clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast stellt eine Nachricht für alle Clients in die Queue, ohne zu blockieren
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// Observe implementiert session.Observer und sendet den neuen Session-Zustand.
// Snapshots, die älter als der zuletzt gesendete sind, werden verworfen.
func (h *Hub) Observe(e session.Event) {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	if e.Snapshot.Seq < h.lastSeq {
		log.Debugf("Dropping outdated session event %s (seq %d < %d)", e.Type, e.Snapshot.Seq, h.lastSeq)
		return
	}
	h.lastSeq = e.Snapshot.Seq

	data := SessionEventData{
		Type:      string(e.Type),
		Timestamp: time.Now(),
		Session:   e.Snapshot,
	}
	if e.Err != nil {
		data.Error = e.Snapshot.LastError
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Errorf("Failed to marshal session event for SSE: %v", err)
		return
	}
	h.Broadcast(jsonData)
}
