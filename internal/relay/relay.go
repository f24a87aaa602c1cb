// Package relay routes ephemeral real-time events between connected
// clients. It owns the presence registry, the room membership table and the
// typing tracker; it holds no durable state, so a restart simply drops all
// of it and clients re-register on reconnect.
package relay

import (
	"log/slog"
	"sync"
	"time"

	"molva/internal/models"

	"github.com/google/uuid"
)

const sendBufferSize = 100

// Client is one registered connection. Events() is drained by the transport
// write loop; the relay never blocks on a slow client, it drops instead.
type Client struct {
	id       string
	userID   string
	userName string
	send     chan models.ServerEvent
	rooms    map[string]bool // guarded by Relay.mu

	closedMu sync.Mutex
	closed   bool
}

func (c *Client) ID() string                        { return c.id }
func (c *Client) UserID() string                    { return c.userID }
func (c *Client) Events() <-chan models.ServerEvent { return c.send }

// Relay fans events out to connected participants. Delivery is at-most-once
// and best-effort: offline recipients are skipped, the durable store is the
// fallback path for eventual consistency.
type Relay struct {
	mu       sync.RWMutex
	conns    map[string]*Client            // connectionID -> client
	presence map[string]map[string]*Client // userID -> connectionID -> client
	rooms    map[string]map[string]*Client // conversationID -> connectionID -> client

	typing *TypingTracker
	log    *slog.Logger
}

func New(typingTTL time.Duration, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		conns:    make(map[string]*Client),
		presence: make(map[string]map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
		typing:   NewTypingTracker(typingTTL),
		log:      log,
	}
}

// Connect registers a connection for the user, announces the presence change
// to everyone else and hands the caller the current online-user set.
func (r *Relay) Connect(userID, userName string) *Client {
	c := &Client{
		id:       uuid.NewString(),
		userID:   userID,
		userName: userName,
		send:     make(chan models.ServerEvent, sendBufferSize),
		rooms:    make(map[string]bool),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	userConns, ok := r.presence[userID]
	if !ok {
		userConns = make(map[string]*Client)
		r.presence[userID] = userConns
	}
	firstConnection := len(userConns) == 0
	userConns[c.id] = c

	others := r.snapshotAllLocked(c.id)
	online := make([]string, 0, len(r.presence))
	for id := range r.presence {
		online = append(online, id)
	}
	r.mu.Unlock()

	if firstConnection {
		r.deliver(others, models.ServerEvent{
			Event:  models.EventUserStatusChange,
			UserID: userID,
			Online: true,
		})
	}

	r.send(c, models.ServerEvent{
		Event:       models.EventOnlineUsers,
		OnlineUsers: online,
	})

	r.log.Info("client connected", "userId", userID, "connectionId", c.id)
	return c
}

// Disconnect removes the connection, cleans every room it was in, clears its
// typing entries and broadcasts offline presence if this was the user's last
// connection.
func (r *Relay) Disconnect(connectionID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)

	var stoppedTyping []string // conversations needing a stop-typing broadcast
	for conversationID := range c.rooms {
		r.removeFromRoomLocked(conversationID, connectionID)
		if r.typing.Stop(conversationID, c.userID) {
			stoppedTyping = append(stoppedTyping, conversationID)
		}
	}

	userConns := r.presence[c.userID]
	delete(userConns, connectionID)
	lastConnection := len(userConns) == 0
	if lastConnection {
		delete(r.presence, c.userID)
	}

	var others []*Client
	if lastConnection {
		others = r.snapshotAllLocked(connectionID)
	}
	roomTargets := make(map[string][]*Client, len(stoppedTyping))
	for _, conversationID := range stoppedTyping {
		roomTargets[conversationID] = r.snapshotRoomLocked(conversationID, connectionID)
	}
	r.mu.Unlock()

	for _, conversationID := range stoppedTyping {
		r.deliver(roomTargets[conversationID], models.ServerEvent{
			Event:          models.EventUserStoppedTyping,
			ConversationID: conversationID,
			UserID:         c.userID,
			Timestamp:      time.Now().UTC(),
		})
	}

	if lastConnection {
		r.deliver(others, models.ServerEvent{
			Event:  models.EventUserStatusChange,
			UserID: c.userID,
			Online: false,
		})
	}

	c.closedMu.Lock()
	c.closed = true
	close(c.send)
	c.closedMu.Unlock()

	r.log.Info("client disconnected", "userId", c.userID, "connectionId", connectionID)
}

// JoinConversation adds the connection to the conversation room and notifies
// the other members.
func (r *Relay) JoinConversation(connectionID, conversationID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	room, exists := r.rooms[conversationID]
	if !exists {
		room = make(map[string]*Client)
		r.rooms[conversationID] = room
	}
	room[connectionID] = c
	c.rooms[conversationID] = true
	others := r.snapshotRoomLocked(conversationID, connectionID)
	r.mu.Unlock()

	r.deliver(others, models.ServerEvent{
		Event:          models.EventUserJoinedConversation,
		ConversationID: conversationID,
		UserID:         c.userID,
	})
}

// LeaveConversation removes the connection from the room, clears any typing
// entry of that user there and notifies the remaining members.
func (r *Relay) LeaveConversation(connectionID, conversationID string) {
	r.mu.Lock()
	c, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeFromRoomLocked(conversationID, connectionID)
	delete(c.rooms, conversationID)
	wasTyping := r.typing.Stop(conversationID, c.userID)
	others := r.snapshotRoomLocked(conversationID, connectionID)
	r.mu.Unlock()

	if wasTyping {
		r.deliver(others, models.ServerEvent{
			Event:          models.EventUserStoppedTyping,
			ConversationID: conversationID,
			UserID:         c.userID,
			Timestamp:      time.Now().UTC(),
		})
	}
	r.deliver(others, models.ServerEvent{
		Event:          models.EventUserLeftConversation,
		ConversationID: conversationID,
		UserID:         c.userID,
	})
}

// RelayMessage fans a persisted message out. Every online recipient gets it
// in their personal scope regardless of what they are viewing (this drives
// conversation-list updates), and the conversation room gets a copy for
// in-view rendering. Recipients reconcile the duplicates away.
func (r *Relay) RelayMessage(senderConnectionID, conversationID string, msg models.Message, recipientIDs []string) {
	type personal struct {
		c      *Client
		inRoom bool
	}

	r.mu.RLock()
	room := r.rooms[conversationID]
	var targets []personal
	for _, recipientID := range recipientIDs {
		for _, c := range r.presence[recipientID] {
			_, inRoom := room[c.id]
			targets = append(targets, personal{c: c, inRoom: inRoom})
		}
	}
	roomMembers := r.snapshotRoomLocked(conversationID, senderConnectionID)
	r.mu.RUnlock()

	for _, t := range targets {
		r.send(t.c, models.ServerEvent{
			Event:          models.EventNewMessage,
			ConversationID: conversationID,
			Message:        &msg,
			InConversation: t.inRoom,
		})
		r.send(t.c, models.ServerEvent{
			Event:          models.EventConversationUpdate,
			ConversationID: conversationID,
			Message:        &msg,
		})
	}

	r.deliver(roomMembers, models.ServerEvent{
		Event:          models.EventConversationMessage,
		ConversationID: conversationID,
		Message:        &msg,
	})
}

// SetTyping updates the typing tracker and broadcasts to the room, excluding
// the originating connection.
func (r *Relay) SetTyping(connectionID, conversationID, userID, userName string, isTyping bool) {
	if isTyping {
		r.typing.Start(conversationID, userID)
	} else if !r.typing.Stop(conversationID, userID) {
		return // nothing to announce
	}

	event := models.EventUserTyping
	if !isTyping {
		event = models.EventUserStoppedTyping
	}

	r.mu.RLock()
	others := r.snapshotRoomLocked(conversationID, connectionID)
	r.mu.RUnlock()

	r.deliver(others, models.ServerEvent{
		Event:          event,
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		Timestamp:      time.Now().UTC(),
	})
}

// MarkRead broadcasts a read receipt three ways: to the room, to the other
// participants' personal scopes (a reader's counterpart may not have the
// conversation open as a room member), and as an immediate echo to the
// caller.
func (r *Relay) MarkRead(connectionID, conversationID, userID, userName string, participantIDs []string) {
	now := time.Now().UTC()
	receipt := models.ServerEvent{
		Event:          models.EventMessagesReadReceipt,
		ConversationID: conversationID,
		ReadBy:         userID,
		ReadByName:     userName,
		Timestamp:      now,
	}

	r.mu.RLock()
	caller := r.conns[connectionID]
	roomMembers := r.snapshotRoomLocked(conversationID, connectionID)
	var personalScopes []*Client
	for _, participantID := range participantIDs {
		if participantID == userID {
			continue
		}
		for _, c := range r.presence[participantID] {
			personalScopes = append(personalScopes, c)
		}
	}
	r.mu.RUnlock()

	if caller != nil {
		confirmation := receipt
		confirmation.Event = models.EventReadReceiptConfirmed
		r.send(caller, confirmation)
	}
	r.deliver(roomMembers, receipt)
	r.deliver(personalScopes, receipt)
}

// Stats reports the operational counters for health checks.
type Stats struct {
	ActiveUsers       int `json:"activeUsers"`
	ActiveConnections int `json:"activeConnections"`
	Conversations     int `json:"conversations"`
	TypingUsers       int `json:"typingUsers"`
}

func (r *Relay) Stats() Stats {
	r.mu.RLock()
	users := len(r.presence)
	conns := len(r.conns)
	rooms := len(r.rooms)
	r.mu.RUnlock()

	return Stats{
		ActiveUsers:       users,
		ActiveConnections: conns,
		Conversations:     rooms,
		TypingUsers:       r.typing.Count(),
	}
}

// OnlineUsers returns the ids of all users with at least one connection.
func (r *Relay) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := make([]string, 0, len(r.presence))
	for userID := range r.presence {
		online = append(online, userID)
	}
	return online
}

// TypingStatus returns the live typing set per conversation.
func (r *Relay) TypingStatus() map[string][]string {
	return r.typing.Snapshot()
}

func (r *Relay) removeFromRoomLocked(conversationID, connectionID string) {
	room, ok := r.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
}

// snapshotRoomLocked copies the room membership so broadcasts never iterate
// a map that a concurrent join/leave is mutating.
func (r *Relay) snapshotRoomLocked(conversationID, exceptConnectionID string) []*Client {
	room := r.rooms[conversationID]
	if len(room) == 0 {
		return nil
	}
	members := make([]*Client, 0, len(room))
	for id, c := range room {
		if id == exceptConnectionID {
			continue
		}
		members = append(members, c)
	}
	return members
}

func (r *Relay) snapshotAllLocked(exceptConnectionID string) []*Client {
	clients := make([]*Client, 0, len(r.conns))
	for id, c := range r.conns {
		if id == exceptConnectionID {
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

func (r *Relay) deliver(clients []*Client, ev models.ServerEvent) {
	for _, c := range clients {
		r.send(c, ev)
	}
}

func (r *Relay) send(c *Client, ev models.ServerEvent) {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- ev:
	default:
		// Best effort: a client that cannot keep up loses the event and
		// recovers from the durable store.
		r.log.Warn("dropping event for slow client",
			"userId", c.userID, "connectionId", c.id, "event", ev.Event)
	}
}
