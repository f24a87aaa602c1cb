package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"molva/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientEvent
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case ev, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type routedCall struct {
	op             string
	conversationID string
	msg            models.Message
	recipientIDs   []string
	isTyping       bool
}

type mockRouter struct {
	client *Client
	calls  chan routedCall
}

func newMockRouter() *mockRouter {
	return &mockRouter{calls: make(chan routedCall, 10)}
}

func (m *mockRouter) Connect(userID, userName string) *Client {
	m.client = &Client{
		id:       "conn1",
		userID:   userID,
		userName: userName,
		send:     make(chan models.ServerEvent, 10),
		rooms:    make(map[string]bool),
	}
	m.calls <- routedCall{op: "connect"}
	return m.client
}

func (m *mockRouter) Disconnect(connectionID string) {
	m.calls <- routedCall{op: "disconnect"}
}

func (m *mockRouter) JoinConversation(connectionID, conversationID string) {
	m.calls <- routedCall{op: "join", conversationID: conversationID}
}

func (m *mockRouter) LeaveConversation(connectionID, conversationID string) {
	m.calls <- routedCall{op: "leave", conversationID: conversationID}
}

func (m *mockRouter) RelayMessage(senderConnectionID, conversationID string, msg models.Message, recipientIDs []string) {
	m.calls <- routedCall{op: "message", conversationID: conversationID, msg: msg, recipientIDs: recipientIDs}
}

func (m *mockRouter) SetTyping(connectionID, conversationID, userID, userName string, isTyping bool) {
	m.calls <- routedCall{op: "typing", conversationID: conversationID, isTyping: isTyping}
}

func (m *mockRouter) MarkRead(connectionID, conversationID, userID, userName string, participantIDs []string) {
	m.calls <- routedCall{op: "read", conversationID: conversationID, recipientIDs: participantIDs}
}

func nextCall(t *testing.T, router *mockRouter) routedCall {
	t.Helper()
	select {
	case call := <-router.calls:
		return call
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for router call")
		return routedCall{}
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	router := newMockRouter()
	ws := newMockWS()

	conn := NewConnection(router, ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Events before registration are dropped
	ws.readCh <- models.ClientEvent{Event: models.EventJoinConversation, ConversationID: "conv1"}

	// 2. Register
	ws.readCh <- models.ClientEvent{Event: models.EventUserOnline, UserID: "alice", UserName: "Alice"}
	if call := nextCall(t, router); call.op != "connect" {
		t.Fatalf("expected connect, got %s", call.op)
	}

	// 3. Join routes through
	ws.readCh <- models.ClientEvent{Event: models.EventJoinConversation, ConversationID: "conv1"}
	call := nextCall(t, router)
	if call.op != "join" || call.conversationID != "conv1" {
		t.Errorf("expected join conv1, got %+v", call)
	}

	// 4. Send message sanitizes content before relaying
	ws.readCh <- models.ClientEvent{
		Event:          models.EventSendMessage,
		ConversationID: "conv1",
		Message: &models.Message{
			ID:       "m1",
			SenderID: "alice",
			Content:  "hi <script>alert(1)</script>",
		},
		RecipientIDs: []string{"bob"},
	}
	call = nextCall(t, router)
	if call.op != "message" {
		t.Fatalf("expected message, got %s", call.op)
	}
	if call.msg.Content != "hi " {
		t.Errorf("content not sanitized: %q", call.msg.Content)
	}
	if len(call.recipientIDs) != 1 || call.recipientIDs[0] != "bob" {
		t.Errorf("recipients not forwarded: %v", call.recipientIDs)
	}

	// 5. Server -> client delivery
	serverEv := models.ServerEvent{Event: models.EventConversationMessage, ConversationID: "conv1"}
	router.client.send <- serverEv

	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Event != models.EventConversationMessage {
			t.Errorf("WS received wrong event: %s", ev.Event)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server event")
	}

	// 6. Ping answered without touching the router
	ws.readCh <- models.ClientEvent{Event: models.EventPing}
	select {
	case received := <-ws.writeCh:
		if ev, ok := received.(models.ServerEvent); !ok || ev.Event != models.EventPong {
			t.Errorf("expected pong, got %v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("no pong")
	}

	// 7. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	if call := nextCall(t, router); call.op != "disconnect" {
		t.Errorf("expected disconnect on shutdown, got %s", call.op)
	}
	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_InvalidUserID(t *testing.T) {
	router := newMockRouter()
	ws := newMockWS()

	conn := NewConnection(router, ws)

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	ws.readCh <- models.ClientEvent{Event: models.EventUserOnline, UserID: "no spaces allowed"}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected validation error from Handle")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on invalid user id")
	}
}

func TestConnection_WSError(t *testing.T) {
	router := newMockRouter()
	ws := newMockWS()

	conn := NewConnection(router, ws)
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
