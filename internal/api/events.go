package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// Event is one real-time notification pushed to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// clientMessage is an inbound subscription change from a client.
type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// eventClient is a single WebSocket connection with its subscriptions.
type eventClient struct {
	id     string
	topics []string
	send   chan []byte
}

// EventHub fans out cycle results and alerts to connected WebSocket
// clients. Clients subscribe to cohort topics ("cohort:<id>") or receive
// everything when they subscribe to nothing.
type EventHub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*eventClient]struct{}
	all     map[*eventClient]struct{}
	log     *logrus.Logger
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *logrus.Logger) *EventHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventHub{
		byTopic: make(map[string]map[*eventClient]struct{}),
		all:     make(map[*eventClient]struct{}),
		log:     logger,
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// PublishAdvance broadcasts one cohort advance result.
func (h *EventHub) PublishAdvance(result *domain.AdvanceResult) {
	data, err := json.Marshal(result)
	if err != nil {
		h.log.WithField("error", err.Error()).Warn("Failed to marshal advance event")
		return
	}
	h.broadcast("cohort:"+result.CohortID.String(), Event{
		Type:      "cycle_advanced",
		Topic:     "cohort:" + result.CohortID.String(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// PublishAlert broadcasts one clinical alert.
func (h *EventHub) PublishAlert(alert *domain.Alert) {
	data, err := json.Marshal(alert)
	if err != nil {
		h.log.WithField("error", err.Error()).Warn("Failed to marshal alert event")
		return
	}
	h.broadcast("patient:"+alert.PatientID.String(), Event{
		Type:      "alert",
		Topic:     "patient:" + alert.PatientID.String(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// broadcast delivers an event to topic subscribers plus clients with no
// subscriptions, which receive the whole stream.
func (h *EventHub) broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.all {
		if len(client.topics) > 0 && !h.subscribed(client, topic) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full; skip to avoid blocking
		}
	}
}

func (h *EventHub) subscribed(client *eventClient, topic string) bool {
	subs, ok := h.byTopic[topic]
	if !ok {
		return false
	}
	_, ok = subs[client]
	return ok
}

func (h *EventHub) register(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

func (h *EventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.topics {
		if subs, ok := h.byTopic[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.byTopic, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.send)
}

func (h *EventHub) subscribe(client *eventClient, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if h.byTopic[topic] == nil {
			h.byTopic[topic] = make(map[*eventClient]struct{})
		}
		h.byTopic[topic][client] = struct{}{}
	}
	client.topics = append(client.topics, topics...)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production
	},
}

// handleEvents upgrades the connection and starts the read/write pumps.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithField("error", err.Error()).Warn("WebSocket upgrade failed")
		return
	}

	client := &eventClient{
		id:   uuid.New().String(),
		send: make(chan []byte, 256),
	}
	s.hub.register(client)

	go s.writePump(client, ws)
	go s.readPump(client, ws)
}

func (s *Server) readPump(client *eventClient, ws *websocket.Conn) {
	defer func() {
		s.hub.unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages
		}
		if msg.Action == "subscribe" {
			s.hub.subscribe(client, msg.Topics)
		}
	}
}

func (s *Server) writePump(client *eventClient, ws *websocket.Conn) {
	defer ws.Close()

	for message := range client.send {
		if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}
