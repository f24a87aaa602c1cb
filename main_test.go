package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"molva/internal/models"
	"molva/internal/ops"
	"molva/internal/relay"
)

func TestIntegration(t *testing.T) {
	tmpDir := t.TempDir()

	relayAddr := "127.0.0.1:8890"
	opsAddr := "127.0.0.1:8891"

	_ = os.Setenv("MOLVA_DB", filepath.Join(tmpDir, "integration_test.db"))
	_ = os.Setenv("RELAY_ADDR", relayAddr)
	_ = os.Setenv("OPS_ADDR", opsAddr)
	_ = os.Setenv("STORE_DRIVER", "bbolt")
	defer func() {
		_ = os.Unsetenv("MOLVA_DB")
		_ = os.Unsetenv("RELAY_ADDR")
		_ = os.Unsetenv("OPS_ADDR")
		_ = os.Unsetenv("STORE_DRIVER")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/health", opsAddr), 20)

	// Step 1: Two clients register over the relay websocket
	wsURL := fmt.Sprintf("ws://%s/ws", relayAddr)
	alice := relay.Dial(ctx, wsURL, "alice", "Alice", nil)
	defer func() { _ = alice.Close() }()
	bob := relay.Dial(ctx, wsURL, "bob", "Bob", nil)
	defer func() { _ = bob.Close() }()

	waitForLive(t, alice)
	waitForLive(t, bob)

	aliceEvents := make(chan models.ServerEvent, 50)
	alice.Subscribe("conv1", func(ev models.ServerEvent) { aliceEvents <- ev })
	bobEvents := make(chan models.ServerEvent, 50)
	bob.Subscribe("conv1", func(ev models.ServerEvent) { bobEvents <- ev })

	require.NoError(t, alice.JoinConversation("conv1"))
	require.NoError(t, bob.JoinConversation("conv1"))

	// Step 2: Health reflects the connected sessions
	var health ops.HealthResponse
	getJSON(t, fmt.Sprintf("http://%s/health", opsAddr), &health)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 2, health.ActiveUsers)

	var activeUsers ops.ActiveUsersResponse
	getJSON(t, fmt.Sprintf("http://%s/active-users", opsAddr), &activeUsers)
	require.Equal(t, 2, activeUsers.Count)
	require.ElementsMatch(t, []string{"alice", "bob"}, activeUsers.ActiveUsers)

	// Step 3: Message fan-out reaches bob in both scopes
	msg := models.Message{
		ID:             "srv-1",
		ConversationID: "conv1",
		SenderID:       "alice",
		Content:        "hello bob",
		ContentType:    models.ContentTypeText,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, alice.SendMessage("conv1", msg, []string{"bob"}))

	ev := waitForEvent(t, bobEvents, models.EventNewMessage)
	require.NotNil(t, ev.Message)
	require.Equal(t, "srv-1", ev.Message.ID)
	require.Equal(t, "hello bob", ev.Message.Content)
	require.True(t, ev.InConversation)

	ev = waitForEvent(t, bobEvents, models.EventConversationMessage)
	require.NotNil(t, ev.Message)
	require.Equal(t, "srv-1", ev.Message.ID)

	// Step 4: Typing signals reach the room, not the originator
	require.NoError(t, alice.SetTyping("conv1", true))
	ev = waitForEvent(t, bobEvents, models.EventUserTyping)
	require.Equal(t, "alice", ev.UserID)

	var typing ops.TypingStatusResponse
	getJSON(t, fmt.Sprintf("http://%s/typing-status", opsAddr), &typing)
	require.Equal(t, []string{"alice"}, typing.TypingUsers["conv1"])

	require.NoError(t, alice.SetTyping("conv1", false))
	ev = waitForEvent(t, bobEvents, models.EventUserStoppedTyping)
	require.Equal(t, "alice", ev.UserID)

	// Step 5: Read receipts fan out and echo back to the reader
	require.NoError(t, bob.MarkRead("conv1", []string{"alice", "bob"}))

	ev = waitForEvent(t, bobEvents, models.EventReadReceiptConfirmed)
	require.Equal(t, "bob", ev.ReadBy)
	require.False(t, ev.Timestamp.IsZero())

	ev = waitForEvent(t, aliceEvents, models.EventMessagesReadReceipt)
	require.Equal(t, "bob", ev.ReadBy)

	// Step 6: Disconnect drops presence
	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		var health ops.HealthResponse
		resp, err := http.Get(fmt.Sprintf("http://%s/health", opsAddr))
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return false
		}
		return health.ActiveUsers == 1
	}, 5*time.Second, 100*time.Millisecond)
}

func waitForLive(t *testing.T, l *relay.Link) {
	t.Helper()
	require.Eventually(t, l.Live, 5*time.Second, 50*time.Millisecond, "link never came up")
}

func waitForEvent(t *testing.T, ch <-chan models.ServerEvent, name models.EventName) models.ServerEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", name)
			return models.ServerEvent{}
		}
	}
}

func getJSON(t *testing.T, urlStr string, v any) {
	t.Helper()
	resp, err := http.Get(urlStr)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
