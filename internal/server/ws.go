package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ayusman/platewatch/internal/app"
)

const (
	// clientBuffer is the number of pending messages per client before
	// further updates to that client are dropped.
	clientBuffer = 16
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// DetectionMessage is the payload pushed to WebSocket clients.
type DetectionMessage struct {
	CameraID      int    `json:"camera_id"`
	Plate         string `json:"plate,omitempty"`
	Status        string `json:"status"`
	LastDetection int64  `json:"last_detection,omitempty"`
}

func newDetectionMessage(d app.DetectionState) DetectionMessage {
	msg := DetectionMessage{
		CameraID: d.CameraID,
		Plate:    d.Plate,
		Status:   d.Status(),
	}
	if !d.LastDetection.IsZero() {
		msg.LastDetection = d.LastDetection.UnixMilli()
	}
	return msg
}

// Snapshotter reports the current detection state of every camera.
type Snapshotter interface {
	Detections() []app.DetectionState
}

// DetectionsHandler pushes detection state changes to WebSocket clients.
type DetectionsHandler struct {
	source Snapshotter

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan DetectionMessage
}

// NewDetectionsHandler creates a DetectionsHandler. When source is not nil
// new clients first receive the current state of every camera.
func NewDetectionsHandler(source Snapshotter) *DetectionsHandler {
	return &DetectionsHandler{
		source:  source,
		clients: make(map[*websocket.Conn]chan DetectionMessage),
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *DetectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	send := make(chan DetectionMessage, clientBuffer)
	if h.source != nil {
		for _, d := range h.source.Detections() {
			select {
			case send <- newDetectionMessage(d):
			default:
			}
		}
	}

	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()

	done := make(chan struct{})
	go h.writer(conn, send, done)

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	close(send)
	<-done
}

func (h *DetectionsHandler) writer(conn *websocket.Conn, send <-chan DetectionMessage, done chan<- struct{}) {
	defer close(done)
	for msg := range send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			conn.Close()
			// Drain until the reader notices the closed connection.
			for range send {
			}
			return
		}
	}
}

// Broadcast sends a detection state to every connected client without
// blocking. Slow clients miss updates.
func (h *DetectionsHandler) Broadcast(d app.DetectionState) {
	msg := newDetectionMessage(d)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, send := range h.clients {
		select {
		case send <- msg:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *DetectionsHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
