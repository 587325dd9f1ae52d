// Package hub is an explicit topic registry for realtime delivery: room
// key -> set of connected clients. Rooms are ephemeral; membership exists
// only while a connection is up, and a room with no members is removed.
package hub

import (
	"encoding/json"
	"log"
	"sync"
)

type Client struct {
	ID   string
	Send chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	members map[*Client]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		members: make(map[*Client]map[string]struct{}),
	}
}

// QueueRoom is the room every subscriber of a queue shares.
func QueueRoom(queueID string) string { return "queue:" + queueID }

// UserRoom is a single user's private room.
func UserRoom(userID string) string { return "user:" + userID }

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[client] = make(map[string]struct{})
}

// Unregister removes the client from every room and closes its send
// channel. Safe to call for a client that never joined anything.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.members[client]
	if !ok {
		return
	}
	for room := range rooms {
		h.removeLocked(client, room)
	}
	delete(h.members, client)
	close(client.Send)
}

func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.members[client]
	if !ok {
		return
	}
	rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.members[client]
	if !ok {
		return
	}
	delete(rooms, room)
	h.removeLocked(client, room)
}

func (h *Hub) removeLocked(client *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish delivers a payload to every member of the given rooms, at most
// once per client even when it belongs to several of them. Delivery is
// fire-and-forget: a client with a full send buffer is skipped.
func (h *Hub) Publish(payload []byte, rooms ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Client]struct{})
	for _, room := range rooms {
		for client := range h.rooms[room] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- payload:
			default:
				log.Printf("drop message for client %s", client.ID)
			}
		}
	}
}

// RoomSize reports current membership, for status endpoints and tests.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

type ClientMessage struct {
	Action  string `json:"action"`
	QueueID string `json:"queue_id"`
	UserID  string `json:"user_id"`
}

const (
	ActionJoinQueue    = "joinQueue"
	ActionJoinUserRoom = "joinUserRoom"
	ActionLeaveQueue   = "leaveQueue"
)

func ParseClientMessage(data []byte) (ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, false
	}
	switch msg.Action {
	case ActionJoinQueue, ActionJoinUserRoom, ActionLeaveQueue:
		return msg, true
	default:
		return ClientMessage{}, false
	}
}
