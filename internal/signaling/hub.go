package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cosimhq/cosim/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser origins are enforced by the fronting proxy
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns the room table and all connected clients. State is in-memory
// only; after a restart clients reconnect and rejoin.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	clients map[string]*Client

	roomGrace time.Duration
	log       *logrus.Logger

	connectionsGauge prometheus.Gauge
	roomsGauge       prometheus.Gauge
}

// NewHub creates a hub. The metrics registry may be shared with the HTTP
// server's /metrics endpoint.
func NewHub(roomGrace time.Duration, log *logrus.Logger, reg prometheus.Registerer) *Hub {
	h := &Hub{
		rooms:     make(map[string]*Room),
		clients:   make(map[string]*Client),
		roomGrace: roomGrace,
		log:       log,
		connectionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_connections",
			Help: "Currently connected signaling participants",
		}),
		roomsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_rooms",
			Help: "Currently open rooms",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.connectionsGauge, h.roomsGauge)
	}
	return h
}

// Counts returns the current connection and room counts for /health
func (h *Hub) Counts() (connections, rooms int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients), len(h.rooms)
}

// ServeWS upgrades an HTTP request and runs the client until disconnect
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	client.log = h.log.WithField("client_id", client.id)

	h.mu.Lock()
	h.clients[client.id] = client
	h.connectionsGauge.Set(float64(len(h.clients)))
	h.mu.Unlock()

	go client.writePump()
	client.enqueue(Message{Type: MSG_WELCOME, FromID: client.id}.Encode())
	client.readPump()
}

// handleMessage dispatches one inbound message from a client's read pump
func (h *Hub) handleMessage(c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(Message{Type: MSG_ERROR, Error: "malformed message"}.Encode())
		return
	}

	switch msg.Type {
	case MSG_JOIN:
		h.handleJoin(c, msg)

	case MSG_LEAVE:
		h.handleLeave(c)

	case MSG_OFFER, MSG_ANSWER, MSG_ICE_CANDIDATE:
		if c.room == nil {
			h.sendError(c, models.NewError(models.ERR_ROOM_NOT_FOUND, "join a room first"))
			return
		}
		if err := c.room.relay(c, msg); err != nil {
			h.sendError(c, err)
		}

	default:
		c.enqueue(Message{Type: MSG_ERROR, Error: "unknown message type"}.Encode())
	}
}

func (h *Hub) handleJoin(c *Client, msg Message) {
	if msg.RoomID == "" || !msg.Role.IsValid() {
		c.enqueue(Message{Type: MSG_ERROR, Error: "join requires roomId and role"}.Encode())
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[msg.RoomID]
	if !ok {
		room = newRoom(msg.RoomID)
		h.rooms[msg.RoomID] = room
		h.roomsGauge.Set(float64(len(h.rooms)))
	}
	h.mu.Unlock()

	participants, err := room.join(c, msg.Role)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.enqueue(Message{Type: MSG_PARTICIPANTS, RoomID: room.id, Participants: participants}.Encode())
	room.broadcast(c.id, Message{Type: MSG_PEER_JOINED, RoomID: room.id, FromID: c.id, Role: msg.Role})

	c.log.WithFields(logrus.Fields{"room": room.id, "role": msg.Role}).Info("joined room")
}

func (h *Hub) handleLeave(c *Client) {
	room := c.room
	if room == nil {
		return
	}
	c.room = nil

	notify, keepAlive := room.leave(c)
	if notify.Type != "" {
		room.broadcast(c.id, notify)
	}
	h.scheduleTeardown(room, keepAlive)
}

// disconnect tears the client down; safe to call more than once
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	if present {
		delete(h.clients, c.id)
		h.connectionsGauge.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()

	if !present {
		return
	}

	h.handleLeave(c)
	close(c.send)
}

// scheduleTeardown removes an empty room, or arms the reconnect grace timer
// after a producer departure.
func (h *Hub) scheduleTeardown(room *Room, producerGone bool) {
	if producerGone {
		room.mu.Lock()
		if room.graceTimer != nil {
			room.graceTimer.Stop()
		}
		room.graceTimer = time.AfterFunc(h.roomGrace, func() {
			if !room.hasBroadcaster() {
				h.removeRoom(room.id)
			}
		})
		room.mu.Unlock()
		return
	}

	if room.empty() {
		h.removeRoom(room.id)
	}
}

func (h *Hub) removeRoom(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[id]; ok {
		delete(h.rooms, id)
		h.roomsGauge.Set(float64(len(h.rooms)))
		h.log.WithField("room", id).Info("room removed")
	}
}

func (h *Hub) sendError(c *Client, err error) {
	c.enqueue(Message{
		Type:  MSG_ERROR,
		Error: string(models.KindOf(err)),
	}.Encode())
}
