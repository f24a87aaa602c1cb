package models

import "time"

// Event names of the relay protocol. Client-to-server names mirror the
// actions a client can take; server-to-client names describe what happened.
type EventName string

const (
	// Client -> server.
	EventUserOnline        EventName = "user-online"
	EventJoinConversation  EventName = "join-conversation"
	EventLeaveConversation EventName = "leave-conversation"
	EventSendMessage       EventName = "send-message"
	EventTypingStart       EventName = "typing-start"
	EventTypingStop        EventName = "typing-stop"
	EventMessagesRead      EventName = "messages-read"
	EventPing              EventName = "ping"

	// Server -> client.
	EventOnlineUsers            EventName = "online-users"
	EventUserStatusChange       EventName = "user-status-change"
	EventUserJoinedConversation EventName = "user-joined-conversation"
	EventUserLeftConversation   EventName = "user-left-conversation"
	EventNewMessage             EventName = "new-message"
	EventConversationMessage    EventName = "conversation-message"
	EventConversationUpdate     EventName = "conversation-update"
	EventUserTyping             EventName = "user-typing"
	EventUserStoppedTyping      EventName = "user-stopped-typing"
	EventMessagesReadReceipt    EventName = "messages-read-receipt"
	EventReadReceiptConfirmed   EventName = "read-receipt-confirmed"
	EventPong                   EventName = "pong"
)

// ClientEvent is one inbound frame on a relay connection.
type ClientEvent struct {
	Event          EventName `json:"event"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	UserName       string    `json:"userName,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	// RecipientIDs lists the conversation participants the sender wants the
	// message fanned out to. The relay does not resolve membership itself.
	RecipientIDs []string `json:"recipientIds,omitempty"`
}

// ServerEvent is one outbound frame on a relay connection.
type ServerEvent struct {
	Event          EventName `json:"event"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	UserName       string    `json:"userName,omitempty"`
	Online         bool      `json:"online,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	// InConversation is set on new-message delivery when the recipient is
	// currently viewing the room. Personal-scope delivery happens either way.
	InConversation bool      `json:"inConversation,omitempty"`
	OnlineUsers    []string  `json:"onlineUsers,omitempty"`
	ReadBy         string    `json:"readBy,omitempty"`
	ReadByName     string    `json:"readByName,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
}

// ReadReceipt extracts the checkpoint carried by a read event.
func (e ServerEvent) ReadReceipt() ReadCheckpoint {
	return ReadCheckpoint{
		ConversationID: e.ConversationID,
		ReaderID:       e.ReadBy,
		ReadAt:         e.Timestamp,
	}
}
