package socket

import (
	"sync"

	"coscribe/internal/document/repository"
)

// Presence is one joined participant as seen by every room member.
type Presence struct {
	SocketID    string `json:"socketId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Hub is the process-wide presence registry: documentID -> joined clients.
// Rooms are created lazily on first join and discarded when the last member
// leaves. Membership mutations and the roster snapshots handed out with them
// happen under one lock, so concurrent joins always observe each other.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*Client]Presence

	repo  *repository.DocumentRepository
	saver *saveCoordinator
}

func NewHub(repo *repository.DocumentRepository) *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]Presence),
		repo:  repo,
		saver: newSaveCoordinator(repo),
	}
}

// Join adds the client to the document's room and returns the resulting
// roster. Idempotent: rejoining the same room keeps the existing entry.
func (h *Hub) Join(c *Client, docID, displayName, avatarRef string) (roster []Presence, already bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[docID]
	if room == nil {
		room = make(map[*Client]Presence)
		h.rooms[docID] = room
	}

	if _, already = room[c]; !already {
		room[c] = Presence{
			SocketID:    c.socketID,
			UserID:      c.identity.UserID,
			DisplayName: displayName,
			AvatarRef:   avatarRef,
		}
	}
	return h.rosterLocked(docID), already
}

// Leave removes the client from the document's room. Returns the remaining
// roster and whether the client actually held membership. An empty room is
// discarded.
func (h *Hub) Leave(c *Client, docID string) ([]Presence, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[docID]
	if !ok {
		return nil, false
	}
	if _, member := room[c]; !member {
		return nil, false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, docID)
		return nil, true
	}
	return h.rosterLocked(docID), true
}

// Roster returns the current members of a room, nil if the room does not exist.
func (h *Hub) Roster(docID string) []Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rosterLocked(docID)
}

func (h *Hub) rosterLocked(docID string) []Presence {
	room, ok := h.rooms[docID]
	if !ok {
		return nil
	}
	roster := make([]Presence, 0, len(room))
	for _, p := range room {
		roster = append(roster, p)
	}
	return roster
}

// broadcast delivers payload to every room member except exclude. Recipients
// are collected under the lock; the sends happen outside it so a slow client
// cannot stall the registry. A full send buffer drops that member's copy
// without affecting the rest.
func (h *Hub) broadcast(docID string, exclude *Client, payload []byte) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.rooms[docID]))
	for client := range h.rooms[docID] {
		if client != exclude {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.enqueue(payload)
	}
}
