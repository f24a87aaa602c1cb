package relay

import (
	"context"
	"errors"
	"sync"

	"molva/internal/content"
	"molva/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type eventRouter interface {
	Connect(userID, userName string) *Client
	Disconnect(connectionID string)
	JoinConversation(connectionID, conversationID string)
	LeaveConversation(connectionID, conversationID string)
	RelayMessage(senderConnectionID, conversationID string, msg models.Message, recipientIDs []string)
	SetTyping(connectionID, conversationID, userID, userName string, isTyping bool)
	MarkRead(connectionID, conversationID, userID, userName string, participantIDs []string)
}

// Connection pumps events between one websocket and the relay. The client
// registration happens on the first user-online frame; everything before
// that is dropped.
type Connection struct {
	ws         wsConnection
	relay      eventRouter
	client     *Client
	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(relay eventRouter, ws wsConnection) *Connection {
	return &Connection{
		ws:         ws,
		relay:      relay,
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if c.client != nil {
			c.relay.Disconnect(c.client.ID())
		}
		close(c.fromClient)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	}()

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	// Stays nil until the client registers; a nil channel never fires.
	var fromServer <-chan models.ServerEvent

	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ev); err != nil {
				return err
			}
			if c.client != nil && fromServer == nil {
				fromServer = c.client.Events()
			}
		case ev, ok := <-fromServer:
			if !ok {
				return nil // relay dropped us
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ev models.ClientEvent) error {
	if ev.Event == models.EventUserOnline {
		if c.client != nil {
			return nil // already registered
		}
		if err := content.ValidateID(ev.UserID); err != nil {
			return err
		}
		c.client = c.relay.Connect(ev.UserID, ev.UserName)
		return nil
	}

	if ev.Event == models.EventPing {
		return c.ws.WriteJSON(models.ServerEvent{Event: models.EventPong})
	}

	if c.client == nil {
		return nil // not registered yet, drop
	}

	switch ev.Event {
	case models.EventJoinConversation:
		c.relay.JoinConversation(c.client.ID(), ev.ConversationID)
	case models.EventLeaveConversation:
		c.relay.LeaveConversation(c.client.ID(), ev.ConversationID)
	case models.EventSendMessage:
		if ev.Message == nil {
			return nil
		}
		msg := *ev.Message
		msg.Content = content.Sanitize(msg.Content)
		c.relay.RelayMessage(c.client.ID(), ev.ConversationID, msg, ev.RecipientIDs)
	case models.EventTypingStart:
		c.relay.SetTyping(c.client.ID(), ev.ConversationID, c.client.userID, c.client.userName, true)
	case models.EventTypingStop:
		c.relay.SetTyping(c.client.ID(), ev.ConversationID, c.client.userID, c.client.userName, false)
	case models.EventMessagesRead:
		c.relay.MarkRead(c.client.ID(), ev.ConversationID, c.client.userID, c.client.userName, ev.RecipientIDs)
	}

	return nil
}
