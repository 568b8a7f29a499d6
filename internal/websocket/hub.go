package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jonmumm/escuchame2/domain/repositories"
	"github.com/jonmumm/escuchame2/internal/conversation"
	"github.com/jonmumm/escuchame2/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Time allowed for the service to handle one event.
	dispatchTimeout = 30 * time.Second
)

// ConversationService is the part of the conversation use case the hub
// drives.
type ConversationService interface {
	View(ctx context.Context, userID, id string) (conversation.View, error)
	Dispatch(ctx context.Context, userID, id string, ev conversation.Event) (conversation.Result, conversation.View, error)
}

// Hub maintains the viewers of every open conversation and pushes each one
// its own read model whenever the conversation changes.
type Hub struct {
	// Viewers per conversation id.
	rooms map[string]map[*Client]struct{}

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to rooms
	mu sync.RWMutex

	// Closed when Run returns.
	done chan struct{}

	service   ConversationService
	metrics   *metrics.Metrics
	validator *MessageValidator
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewHub creates a new WebSocket hub. An empty origin list or "*" accepts any
// origin.
func NewHub(service ConversationService, allowedOrigins []string, logger *zap.Logger) *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		service:    service,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(allowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// SetMetrics sets where viewer counts are recorded. Call it before Run.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			close(h.done)
			for id, room := range h.rooms {
				for client := range room {
					close(client.send)
					h.metrics.ViewerLeft()
				}
				delete(h.rooms, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// add registers client before its pumps start. It reports false once the
// hub has stopped.
func (h *Hub) add(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	room, ok := h.rooms[client.conversationID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[client.conversationID] = room
	}
	room[client] = struct{}{}
	h.metrics.ViewerJoined()
	h.logger.Info("Client registered",
		zap.String("conversationID", client.conversationID),
		zap.String("userID", client.userID))
	return true
}

// leave unregisters client unless the hub has already stopped.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[client.conversationID]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	close(client.send)
	h.metrics.ViewerLeft()
	if len(room) == 0 {
		delete(h.rooms, client.conversationID)
	}
	h.logger.Info("Client unregistered",
		zap.String("conversationID", client.conversationID),
		zap.String("userID", client.userID))
}

// Publish sends every viewer of the snapshot's conversation its own view.
func (h *Hub) Publish(snap conversation.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[snap.Conversation.ID] {
		view, err := snap.ViewFor(client.userID)
		if err != nil {
			// Access was revoked or never granted.
			continue
		}
		payload, err := json.Marshal(CreateSnapshotMessage(view))
		if err != nil {
			h.logger.Error("Failed to encode snapshot", zap.Error(err))
			return
		}
		select {
		case client.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		default:
			h.logger.Warn("Client send buffer full, disconnecting",
				zap.String("conversationID", client.conversationID),
				zap.String("userID", client.userID))
			go h.leave(client)
		}
	}
}

// Viewers reports how many clients watch a conversation.
func (h *Hub) Viewers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	userID         string
	conversationID string

	logger *zap.Logger
}

// HandleWebSocketWithAuth upgrades an authenticated request and attaches the
// connection to a conversation. Access is checked before the upgrade.
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, userID, conversationID string, logger *zap.Logger) error {
	view, err := hub.service.View(c.Request().Context(), userID, conversationID)
	if err != nil {
		return err
	}

	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return nil
	}

	client := &Client{
		hub:            hub,
		conn:           conn,
		send:           make(chan WriteData, 256),
		userID:         userID,
		conversationID: conversationID,
		logger:         logger.With(zap.String("conversationID", conversationID), zap.String("userID", userID)),
	}

	// Queued before the client is visible to Publish, so it is always the
	// first frame.
	payload, err := json.Marshal(CreateSnapshotMessage(view))
	if err != nil {
		conn.Close()
		return err
	}
	client.send <- WriteData{Type: websocket.TextMessage, Payload: payload}

	if !hub.add(client) {
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.sendJSON(CreateErrorMessage(CodeUnsupported, "binary frames are not supported",
				"send audio as "+string(conversation.EventChunkAppend)+" events"))
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage validates one frame and hands events to the service.
func (c *Client) processMessage(message []byte) {
	parsed, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.sendJSON(CreateErrorMessage(CodeInvalidMessage, "invalid message", err.Error()))
		return
	}

	switch msg := parsed.(type) {
	case *PingMessage:
		c.sendJSON(CreatePongMessage(msg.Data))

	case *EventMessage:
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		res, _, err := c.hub.service.Dispatch(ctx, c.userID, c.conversationID, msg.Event)
		if err != nil {
			c.logger.Warn("Event rejected", zap.String("event", string(msg.Event.Type)), zap.Error(err))
			em := CreateErrorMessage(errorCode(err), err.Error(), string(msg.Event.Type))
			em.MessageID = msg.MessageID
			c.sendJSON(em)
			return
		}
		c.sendJSON(CreateAckMessage(msg.MessageID, res))
	}
}

// sendJSON queues v without blocking; a full buffer drops the message.
func (c *Client) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.rooms[c.conversationID][c]; !ok {
		return
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.logger.Warn("Client send buffer full, dropping message")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, conversation.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, repositories.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, conversation.ErrNoActiveSession):
		return CodeNoActiveSession
	default:
		return CodeInternal
	}
}
