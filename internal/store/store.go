// Package store is the durable-store boundary: the only path for
// persistence. The relay and the synchronizer never write anywhere else.
package store

import (
	"context"
	"errors"

	"molva/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
)

// InsertHandler receives messages as they are persisted. Handlers run on the
// inserting goroutine and must not block.
type InsertHandler func(models.Message)

// Store is the contract every durable-store adapter satisfies.
type Store interface {
	// Insert persists the message, assigning the canonical id and, when the
	// client left it zero, the creation timestamp. The stored message is
	// returned and published to insert subscribers.
	Insert(ctx context.Context, msg models.Message) (models.Message, error)

	// QueryHistory returns the conversation's messages ascending by
	// CreatedAt, ties broken by id.
	QueryHistory(ctx context.Context, conversationID string) ([]models.Message, error)

	// SubscribeToInserts registers fn for messages persisted into the
	// conversation. The returned func cancels the subscription.
	SubscribeToInserts(conversationID string, fn InsertHandler) (cancel func())

	// GetConversation loads conversation metadata.
	GetConversation(ctx context.Context, id string) (models.Conversation, error)

	// UpsertConversation creates or updates conversation metadata.
	UpsertConversation(ctx context.Context, conv models.Conversation) error

	// MarkConversationRead advances the reader's checkpoint to now and
	// returns how many previously-unread messages from other senders the
	// move covered.
	MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error)

	// ReadCheckpoints returns every reader's checkpoint for the conversation.
	ReadCheckpoints(ctx context.Context, conversationID string) ([]models.ReadCheckpoint, error)

	Close() error
}
