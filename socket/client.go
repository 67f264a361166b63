package socket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"coscribe/internal/document/model"
	"coscribe/middleware"
	"coscribe/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows connections from the separately-hosted frontend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one authenticated connection. It holds at most one current room;
// joining another document implicitly leaves the previous one. All fields
// besides the send channel are touched only by the client's own read pump,
// or by the hub under its lock.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	socketID   string
	identity   middleware.Identity
	currentDoc string
}

// ServeWs upgrades the request to a WebSocket connection for an already
// authenticated identity and starts the connection's pumps.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, identity middleware.Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		socketID: uuid.NewString(),
		identity: identity,
	}

	logger.Sugar.Infof("User connected: %s", identity.UserID)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		// Transport close counts as a leave; the registry cleanup always
		// runs even if the client never sent leave-document.
		if c.currentDoc != "" {
			c.leaveRoom("User: " + c.displayName() + " disconnected")
		}
		close(c.done)
		c.conn.Close()
		logger.Sugar.Infof("User disconnected: %s", c.identity.UserID)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("Invalid message format")
			continue
		}

		switch env.Event {
		case EventJoinDocument:
			c.handleJoin(env.Data)
		case EventEditDocument:
			c.handleEdit(env.Data)
		case EventSaveDocument:
			c.handleSave(env.Data)
		case EventLeaveDocument:
			c.handleLeave()
		default:
			logger.Sugar.Debugf("Ignoring unknown event %q from user %s", env.Event, c.identity.UserID)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			c.conn.WriteMessage(websocket.TextMessage, message)
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	var payload JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.DocumentID == "" {
		c.sendError("Document id is required")
		return
	}

	allowed, err := c.hub.repo.CanAccess(payload.DocumentID, c.identity.UserID, model.CapabilityView)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		logger.Sugar.Errorf("Join check failed for user %s on doc %s: %v", c.identity.UserID, payload.DocumentID, err)
		c.sendError("Failed to join document")
		return
	}
	if !allowed {
		c.sendError("You can't join this document")
		return
	}

	// One current room per connection: joining a different document leaves
	// the previous room first.
	if c.currentDoc != "" && c.currentDoc != payload.DocumentID {
		c.leaveRoom("User: " + c.displayName() + " left")
	}

	name := c.identity.DisplayName
	if name == "" {
		name = payload.DisplayName
	}
	avatar := c.identity.AvatarRef
	if avatar == "" {
		avatar = payload.AvatarRef
	}

	roster, already := c.hub.Join(c, payload.DocumentID, name, avatar)
	c.currentDoc = payload.DocumentID

	c.enqueue(mustEnvelope(EventDocumentMembers, MembersPayload{Members: roster}))
	if !already {
		c.hub.broadcast(payload.DocumentID, c, mustEnvelope(EventUserJoined, UserJoinedPayload{
			Message: "User joined: " + name,
			Members: roster,
		}))
	}
}

func (c *Client) handleEdit(data json.RawMessage) {
	var payload EditPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.DocumentID == "" {
		c.sendError("Document id is required")
		return
	}

	allowed, err := c.hub.repo.CanAccess(payload.DocumentID, c.identity.UserID, model.CapabilityEdit)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		logger.Sugar.Errorf("Edit check failed for user %s on doc %s: %v", c.identity.UserID, payload.DocumentID, err)
		c.sendError("Edit document failed")
		return
	}
	if !allowed {
		c.sendError("You can't edit this document")
		return
	}

	// Fire-and-forget relay; the sender already holds its own change.
	c.hub.broadcast(payload.DocumentID, c, mustEnvelope(EventEdit, EditBroadcast{
		UserID:   c.identity.UserID,
		UserName: c.displayName(),
		Position: payload.Position,
		Changes:  payload.Changes,
		Content:  payload.Content,
	}))
}

func (c *Client) handleSave(data json.RawMessage) {
	var payload SavePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.DocumentID == "" ||
		len(payload.Content) == 0 || string(payload.Content) == "null" {
		c.sendError("Document id and content are required")
		return
	}

	allowed, err := c.hub.repo.CanAccess(payload.DocumentID, c.identity.UserID, model.CapabilityEdit)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		logger.Sugar.Errorf("Save check failed for user %s on doc %s: %v", c.identity.UserID, payload.DocumentID, err)
		c.sendError("Save document failed")
		return
	}
	if !allowed {
		c.sendError("You can't save this document")
		return
	}

	version, ts, err := c.hub.saver.Save(payload.DocumentID, payload.Title, payload.Content, c.identity.UserID)
	if errors.Is(err, model.ErrNotFound) {
		c.sendError("Document not found")
		return
	}
	if err != nil {
		c.sendError("Save document failed")
		return
	}

	c.enqueue(mustEnvelope(EventSaveSuccess, SaveSuccessPayload{
		Message:   "Document saved",
		Version:   version,
		Timestamp: ts,
	}))
	c.hub.broadcast(payload.DocumentID, c, mustEnvelope(EventDocumentSaved, DocumentSavedPayload{
		SavedBy: c.displayName(),
		Version: version,
	}))
}

func (c *Client) handleLeave() {
	if c.currentDoc == "" {
		return // leave without a prior join is a no-op
	}
	c.leaveRoom("User: " + c.displayName() + " left")
}

// leaveRoom removes the client from its current room and tells the remaining
// members. Membership removal and the roster snapshot are atomic in the hub.
func (c *Client) leaveRoom(message string) {
	docID := c.currentDoc
	roster, left := c.hub.Leave(c, docID)
	c.currentDoc = ""
	if !left {
		return
	}
	c.hub.broadcast(docID, nil, mustEnvelope(EventUserLeft, UserLeftPayload{
		Message: message,
		UserID:  c.identity.UserID,
		Members: roster,
	}))
}

func (c *Client) displayName() string {
	if c.identity.DisplayName != "" {
		return c.identity.DisplayName
	}
	return c.identity.UserID
}

func (c *Client) sendError(message string) {
	c.enqueue(mustEnvelope(EventError, ErrorPayload{Message: message}))
}

func (c *Client) enqueue(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		// A lagging client misses this message; the pumps handle truly
		// dead connections.
		logger.Sugar.Warnf("Send buffer full for user %s, dropping message", c.identity.UserID)
	}
}
