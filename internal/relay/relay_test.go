package relay

import (
	"testing"
	"time"

	"molva/internal/models"
)

func recvEvent(t *testing.T, c *Client) models.ServerEvent {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
		return models.ServerEvent{}
	}
}

func recvNamed(t *testing.T, c *Client, name models.EventName) models.ServerEvent {
	t.Helper()
	deadline := time.After(1 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", name)
			return models.ServerEvent{}
		}
	}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %s", ev.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_PresenceLifecycle(t *testing.T) {
	r := New(3*time.Second, nil)

	alice := r.Connect("alice", "Alice")

	// Caller always gets the online-user set
	ev := recvEvent(t, alice)
	if ev.Event != models.EventOnlineUsers {
		t.Fatalf("expected online-users, got %s", ev.Event)
	}
	if len(ev.OnlineUsers) != 1 || ev.OnlineUsers[0] != "alice" {
		t.Errorf("expected [alice] online, got %v", ev.OnlineUsers)
	}

	bob := r.Connect("bob", "Bob")
	_ = recvEvent(t, bob) // bob's online-users

	// Alice sees bob come online
	ev = recvNamed(t, alice, models.EventUserStatusChange)
	if ev.UserID != "bob" || !ev.Online {
		t.Errorf("expected bob online, got %+v", ev)
	}

	// A second connection of the same user does not re-announce
	bob2 := r.Connect("bob", "Bob")
	_ = recvEvent(t, bob2)
	expectNoEvent(t, alice)

	stats := r.Stats()
	if stats.ActiveUsers != 2 || stats.ActiveConnections != 3 {
		t.Errorf("expected 2 users / 3 connections, got %+v", stats)
	}

	// Closing one of two connections keeps the user online
	r.Disconnect(bob.ID())
	expectNoEvent(t, alice)

	// Last connection gone broadcasts offline
	r.Disconnect(bob2.ID())
	ev = recvNamed(t, alice, models.EventUserStatusChange)
	if ev.UserID != "bob" || ev.Online {
		t.Errorf("expected bob offline, got %+v", ev)
	}

	// Disconnect closes the event channel
	r.Disconnect(alice.ID())
	select {
	case _, ok := <-alice.Events():
		if ok {
			// drain remaining buffered events until close
			for range alice.Events() {
			}
		}
	case <-time.After(1 * time.Second):
		t.Error("event channel not closed after disconnect")
	}

	if r.Stats().ActiveConnections != 0 {
		t.Errorf("expected no connections, got %+v", r.Stats())
	}
}

func TestRelay_MessageFanOut(t *testing.T) {
	r := New(3*time.Second, nil)

	alice := r.Connect("alice", "Alice")
	bob := r.Connect("bob", "Bob")
	carol := r.Connect("carol", "Carol")
	_ = recvEvent(t, alice)
	_ = recvNamed(t, bob, models.EventOnlineUsers)
	_ = recvNamed(t, carol, models.EventOnlineUsers)

	// Alice and bob view the conversation, carol does not
	r.JoinConversation(alice.ID(), "conv1")
	r.JoinConversation(bob.ID(), "conv1")
	_ = recvNamed(t, alice, models.EventUserJoinedConversation)

	msg := models.Message{
		ID:             "m1",
		ConversationID: "conv1",
		SenderID:       "alice",
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
	}
	r.RelayMessage(alice.ID(), "conv1", msg, []string{"bob", "carol"})

	// Bob is in the room: personal new-message with InConversation, plus
	// conversation-update and the room copy
	ev := recvNamed(t, bob, models.EventNewMessage)
	if ev.Message == nil || ev.Message.ID != "m1" {
		t.Fatalf("bob got wrong message: %+v", ev)
	}
	if !ev.InConversation {
		t.Error("bob should be flagged in-conversation")
	}
	ev = recvNamed(t, bob, models.EventConversationUpdate)
	if ev.Message == nil || ev.Message.ID != "m1" {
		t.Errorf("bob conversation-update missing message: %+v", ev)
	}
	ev = recvNamed(t, bob, models.EventConversationMessage)
	if ev.Message == nil || ev.Message.ID != "m1" {
		t.Errorf("bob room copy missing message: %+v", ev)
	}

	// Carol is not viewing: personal scope only, no room copy
	ev = recvNamed(t, carol, models.EventNewMessage)
	if ev.InConversation {
		t.Error("carol should not be flagged in-conversation")
	}
	_ = recvNamed(t, carol, models.EventConversationUpdate)
	expectNoEvent(t, carol)

	// Sender is not a recipient and is excluded from the room broadcast
	expectNoEvent(t, alice)
}

func TestRelay_OfflineRecipientsDropped(t *testing.T) {
	r := New(3*time.Second, nil)

	alice := r.Connect("alice", "Alice")
	_ = recvEvent(t, alice)
	r.JoinConversation(alice.ID(), "conv1")

	msg := models.Message{ID: "m1", ConversationID: "conv1", SenderID: "alice", Content: "hi"}
	// bob is offline; nothing should panic or queue
	r.RelayMessage(alice.ID(), "conv1", msg, []string{"bob"})
	expectNoEvent(t, alice)
}

func TestRelay_Typing(t *testing.T) {
	r := New(3*time.Second, nil)

	alice := r.Connect("alice", "Alice")
	bob := r.Connect("bob", "Bob")
	_ = recvEvent(t, alice)
	_ = recvNamed(t, bob, models.EventOnlineUsers)
	r.JoinConversation(alice.ID(), "conv1")
	r.JoinConversation(bob.ID(), "conv1")
	_ = recvNamed(t, alice, models.EventUserJoinedConversation)

	r.SetTyping(alice.ID(), "conv1", "alice", "Alice", true)

	ev := recvNamed(t, bob, models.EventUserTyping)
	if ev.UserID != "alice" || ev.ConversationID != "conv1" {
		t.Errorf("wrong typing event: %+v", ev)
	}
	// Originator does not hear their own typing
	expectNoEvent(t, alice)

	status := r.TypingStatus()
	if len(status["conv1"]) != 1 || status["conv1"][0] != "alice" {
		t.Errorf("expected alice typing in conv1, got %v", status)
	}

	r.SetTyping(alice.ID(), "conv1", "alice", "Alice", false)
	ev = recvNamed(t, bob, models.EventUserStoppedTyping)
	if ev.UserID != "alice" {
		t.Errorf("wrong stop-typing event: %+v", ev)
	}

	// Stop without a live entry stays silent
	r.SetTyping(alice.ID(), "conv1", "alice", "Alice", false)
	expectNoEvent(t, bob)
}

func TestRelay_TypingClearedOnLeave(t *testing.T) {
	r := New(3*time.Second, nil)

	alice := r.Connect("alice", "Alice")
	bob := r.Connect("bob", "Bob")
	_ = recvEvent(t, alice)
	_ = recvNamed(t, bob, models.EventOnlineUsers)
	r.JoinConversation(alice.ID(), "conv1")
	r.JoinConversation(bob.ID(), "conv1")
	_ = recvNamed(t, alice, models.EventUserJoinedConversation)

	r.SetTyping(alice.ID(), "conv1", "alice", "Alice", true)
	_ = recvNamed(t, bob, models.EventUserTyping)

	r.LeaveConversation(alice.ID(), "conv1")
	ev := recvNamed(t, bob, models.EventUserStoppedTyping)
	if ev.UserID != "alice" {
		t.Errorf("expected stop-typing for alice, got %+v", ev)
	}
	_ = recvNamed(t, bob, models.EventUserLeftConversation)

	if len(r.TypingStatus()) != 0 {
		t.Errorf("typing entries should be cleared on leave")
	}
}

func TestRelay_MarkRead(t *testing.T) {
	r := New(3*time.Second, nil)

	alice := r.Connect("alice", "Alice")
	bob := r.Connect("bob", "Bob")
	carol := r.Connect("carol", "Carol")
	_ = recvEvent(t, alice)
	_ = recvNamed(t, bob, models.EventOnlineUsers)
	_ = recvNamed(t, carol, models.EventOnlineUsers)

	// Bob views the room, carol only has a personal scope
	r.JoinConversation(alice.ID(), "conv1")
	r.JoinConversation(bob.ID(), "conv1")
	_ = recvNamed(t, alice, models.EventUserJoinedConversation)

	r.MarkRead(alice.ID(), "conv1", "alice", "Alice", []string{"alice", "bob", "carol"})

	// Caller gets the immediate confirmation
	ev := recvNamed(t, alice, models.EventReadReceiptConfirmed)
	if ev.ReadBy != "alice" || ev.ConversationID != "conv1" {
		t.Errorf("wrong confirmation: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("confirmation missing timestamp")
	}

	// Bob gets room + personal copies; both carry the receipt
	ev = recvNamed(t, bob, models.EventMessagesReadReceipt)
	if ev.ReadBy != "alice" {
		t.Errorf("wrong receipt: %+v", ev)
	}

	// Carol gets the personal-scope copy despite not viewing
	ev = recvNamed(t, carol, models.EventMessagesReadReceipt)
	if ev.ReadBy != "alice" {
		t.Errorf("wrong receipt for carol: %+v", ev)
	}
}
