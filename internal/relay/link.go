package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"molva/internal/models"

	"github.com/gorilla/websocket"
)

const (
	linkPingInterval = 30 * time.Second
	backoffInitial   = 200 * time.Millisecond
	backoffMax       = 10 * time.Second
)

// ErrLinkDown is returned by sends while the relay connection is being
// re-established. Callers treat it as "push unavailable", not a failure:
// the durable store remains the path of record.
var ErrLinkDown = errors.New("relay link down")

// Link is the client side of the relay protocol. It keeps one websocket to
// the relay server, re-registers after every reconnect and demultiplexes
// server events to per-conversation subscribers. Transport failure is never
// surfaced as an error to callers; the link goes not-live and keeps
// redialing with backoff until closed.
type Link struct {
	url      string
	userID   string
	userName string
	log      *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	live   bool
	nextID int
	subs   map[string]map[int]func(models.ServerEvent)
	status map[int]func(bool)
	rooms  map[string]bool // conversations to rejoin after every registration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial starts the link. It returns immediately; the connection is
// established (and re-established) in the background.
func Dial(ctx context.Context, url, userID, userName string, log *slog.Logger) *Link {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		url:      url,
		userID:   userID,
		userName: userName,
		log:      log,
		subs:     make(map[string]map[int]func(models.ServerEvent)),
		status:   make(map[int]func(bool)),
		rooms:    make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Link) Close() error {
	l.cancel()
	<-l.done
	return nil
}

// Live reports whether the link currently has an established, registered
// connection.
func (l *Link) Live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Subscribe registers fn for events of one conversation. Events without a
// conversation id (presence changes, online-user sets) go to every
// subscriber.
func (l *Link) Subscribe(conversationID string, fn func(models.ServerEvent)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	handlers, ok := l.subs[conversationID]
	if !ok {
		handlers = make(map[int]func(models.ServerEvent))
		l.subs[conversationID] = handlers
	}
	handlers[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(l.subs, conversationID)
		}
	}
}

// OnStatus registers fn for live/not-live transitions of the link itself.
func (l *Link) OnStatus(fn func(live bool)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.status[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.status, id)
	}
}

// JoinConversation enters the conversation room. Membership is remembered
// so the link can restore it after a reconnect; the relay itself keeps no
// room state across connections.
func (l *Link) JoinConversation(conversationID string) error {
	l.mu.Lock()
	l.rooms[conversationID] = true
	l.mu.Unlock()

	return l.write(models.ClientEvent{
		Event:          models.EventJoinConversation,
		ConversationID: conversationID,
		UserID:         l.userID,
	})
}

func (l *Link) LeaveConversation(conversationID string) error {
	l.mu.Lock()
	delete(l.rooms, conversationID)
	l.mu.Unlock()

	return l.write(models.ClientEvent{
		Event:          models.EventLeaveConversation,
		ConversationID: conversationID,
		UserID:         l.userID,
	})
}

func (l *Link) SendMessage(conversationID string, msg models.Message, recipientIDs []string) error {
	return l.write(models.ClientEvent{
		Event:          models.EventSendMessage,
		ConversationID: conversationID,
		Message:        &msg,
		RecipientIDs:   recipientIDs,
	})
}

func (l *Link) SetTyping(conversationID string, isTyping bool) error {
	event := models.EventTypingStart
	if !isTyping {
		event = models.EventTypingStop
	}
	return l.write(models.ClientEvent{
		Event:          event,
		ConversationID: conversationID,
		UserID:         l.userID,
		UserName:       l.userName,
	})
}

func (l *Link) MarkRead(conversationID string, participantIDs []string) error {
	return l.write(models.ClientEvent{
		Event:          models.EventMessagesRead,
		ConversationID: conversationID,
		UserID:         l.userID,
		UserName:       l.userName,
		RecipientIDs:   participantIDs,
	})
}

func (l *Link) write(ev models.ClientEvent) error {
	// gorilla/websocket allows one concurrent writer.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrLinkDown
	}
	return l.conn.WriteJSON(ev)
}

// register announces the user and replays room membership. The relay keeps
// no state across connections, so a fresh connection is a blank slate until
// every joined conversation is re-entered.
func (l *Link) register(conn *websocket.Conn) error {
	err := conn.WriteJSON(models.ClientEvent{
		Event:    models.EventUserOnline,
		UserID:   l.userID,
		UserName: l.userName,
	})
	if err != nil {
		return err
	}

	for _, conversationID := range l.joinedRooms() {
		err := conn.WriteJSON(models.ClientEvent{
			Event:          models.EventJoinConversation,
			ConversationID: conversationID,
			UserID:         l.userID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) joinedRooms() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	rooms := make([]string, 0, len(l.rooms))
	for id := range l.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

func (l *Link) run() {
	defer close(l.done)

	backoff := backoffInitial
	for {
		if l.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(l.ctx, l.url, nil)
		if err != nil {
			l.log.Warn("relay dial failed", "err", err)
			if !l.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}

		if err := l.register(conn); err != nil {
			_ = conn.Close()
			continue
		}

		l.setConn(conn)
		l.setLive(true)
		backoff = backoffInitial

		l.pump(conn)

		l.setLive(false)
		l.setConn(nil)
		_ = conn.Close()

		if !l.sleep(backoff) {
			return
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// pump reads server events until the connection fails or the link closes.
func (l *Link) pump(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(linkPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = l.write(models.ClientEvent{Event: models.EventPing})
			case <-stopPing:
				return
			case <-l.ctx.Done():
				return
			}
		}
	}()
	defer close(stopPing)

	for {
		var ev models.ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn("relay connection lost", "err", err)
			}
			return
		}
		l.dispatch(ev)
	}
}

func (l *Link) dispatch(ev models.ServerEvent) {
	l.mu.Lock()
	var handlers []func(models.ServerEvent)
	if ev.ConversationID != "" {
		for _, fn := range l.subs[ev.ConversationID] {
			handlers = append(handlers, fn)
		}
	} else {
		for _, convHandlers := range l.subs {
			for _, fn := range convHandlers {
				handlers = append(handlers, fn)
			}
		}
	}
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (l *Link) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *Link) setLive(live bool) {
	l.mu.Lock()
	changed := l.live != live
	l.live = live
	var fns []func(bool)
	if changed {
		for _, fn := range l.status {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(live)
	}
}

func (l *Link) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-l.ctx.Done():
		return false
	}
}
