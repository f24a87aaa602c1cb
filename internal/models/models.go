package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
)

// TempIDPrefix marks client-generated optimistic message ids. The durable
// store never assigns ids with this prefix, so the two namespaces cannot
// collide.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh optimistic message id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id belongs to the optimistic namespace.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeVideo ContentType = "video"
)

// MessageKind tags special messages explicitly instead of inferring them
// from magic content strings.
type MessageKind string

const (
	MessageKindNormal            MessageKind = "normal"
	MessageKindPendingAI         MessageKind = "pending-ai"
	MessageKindPendingGeneration MessageKind = "pending-generation"
)

// Message is a single chat message. ID is assigned by the durable store on
// insert; until then an optimistic message carries a temp- id.
type Message struct {
	ID             string      `json:"id" msgpack:"id"`
	ConversationID string      `json:"conversationId" msgpack:"conversationId"`
	SenderID       string      `json:"senderId" msgpack:"senderId"`
	Content        string      `json:"content" msgpack:"content"`
	ContentType    ContentType `json:"contentType" msgpack:"contentType"`
	Kind           MessageKind `json:"kind,omitempty" msgpack:"kind"`
	CreatedAt      time.Time   `json:"createdAt" msgpack:"createdAt"`
}

// Confirmed reports whether the message has a store-assigned id.
func (m Message) Confirmed() bool {
	return m.ID != "" && !IsTempID(m.ID)
}

// Before defines the canonical conversation ordering: CreatedAt ascending,
// ties broken by id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Conversation is read-mostly metadata owned by the durable store. The
// engine only needs it to resolve fan-out recipients.
type Conversation struct {
	ID           string    `json:"id" msgpack:"id"`
	Participants []string  `json:"participants" msgpack:"participants"`
	IsGroup      bool      `json:"isGroup" msgpack:"isGroup"`
	AdminID      string    `json:"adminId,omitempty" msgpack:"adminId"`
	GroupName    string    `json:"groupName,omitempty" msgpack:"groupName"`
	GroupImage   string    `json:"groupImage,omitempty" msgpack:"groupImage"`
	CreatedAt    time.Time `json:"createdAt" msgpack:"createdAt"`
}

// Validate checks the participant invariants: non-empty, exactly two for
// direct conversations.
func (c Conversation) Validate() error {
	if len(c.Participants) == 0 {
		return errors.New("conversation has no participants")
	}
	if !c.IsGroup && len(c.Participants) != 2 {
		return errors.New("direct conversation must have exactly two participants")
	}
	return nil
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipants returns every participant except userID.
func (c Conversation) OtherParticipants(userID string) []string {
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

// DeliveryStatus is derived per message-from-self, never persisted.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// ReadCheckpoint records that a reader has read a conversation up to a
// point in time. Any own message created at or before it counts as read.
type ReadCheckpoint struct {
	ConversationID string    `json:"conversationId" msgpack:"conversationId"`
	ReaderID       string    `json:"readerId" msgpack:"readerId"`
	ReadAt         time.Time `json:"readAt" msgpack:"readAt"`
}

// Covers reports whether the checkpoint marks m as read for its sender.
func (cp ReadCheckpoint) Covers(m Message) bool {
	return cp.ReaderID != m.SenderID && !m.CreatedAt.After(cp.ReadAt)
}

// TypingEntry is an ephemeral "currently typing" record. Each observer
// expires it independently; there is no central sweep.
type TypingEntry struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
