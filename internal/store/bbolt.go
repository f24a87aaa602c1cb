package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"molva/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketCheckpoints   = []byte("checkpoints")
)

// BboltStore is the embedded durable-store adapter. Messages live in a
// sub-bucket per conversation under time-ordered keys; read checkpoints live
// in a sub-bucket per conversation keyed by reader.
type BboltStore struct {
	db   *bbolt.DB
	feed *feed
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCheckpoints); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db, feed: newFeed()}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

func (s *BboltStore) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if msg.ConversationID == "" {
		return models.Message{}, errors.New("message missing conversationID")
	}

	// The store owns identity: a temp- id never survives persistence.
	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = models.MessageKindNormal
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMsg := toDBMessage(msg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return convBucket.Put(dbMsg.Key(), data)
	})
	if err != nil {
		return models.Message{}, err
	}

	s.feed.publish(msg)
	return msg, nil
}

func (s *BboltStore) QueryHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // no messages yet
		}
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
			return nil
		})
	})
	return messages, err
}

func (s *BboltStore) SubscribeToInserts(conversationID string, fn InsertHandler) func() {
	return s.feed.subscribe(conversationID, fn)
}

func (s *BboltStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(id))
		if data == nil {
			return ErrConversationNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return err
		}
		conv = models.Conversation{
			ID:           dbConv.ID,
			Participants: dbConv.Participants,
			IsGroup:      dbConv.IsGroup,
			AdminID:      dbConv.AdminID,
			GroupName:    dbConv.GroupName,
			GroupImage:   dbConv.GroupImage,
			CreatedAt:    time.Unix(0, dbConv.CreatedAtNanos).UTC(),
		}
		return nil
	})
	return conv, err
}

func (s *BboltStore) UpsertConversation(ctx context.Context, conv models.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		dbConv := &DBConversation{
			ID:             conv.ID,
			Participants:   conv.Participants,
			IsGroup:        conv.IsGroup,
			AdminID:        conv.AdminID,
			GroupName:      conv.GroupName,
			GroupImage:     conv.GroupImage,
			CreatedAtNanos: conv.CreatedAt.UnixNano(),
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConversations).Put(dbConv.Key(), data)
	})
}

func (s *BboltStore) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	count := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		cpBucket, err := tx.Bucket(bucketCheckpoints).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}

		var since int64
		if data := cpBucket.Get([]byte(userID)); data != nil {
			var prev DBCheckpoint
			if err := prev.UnmarshalBinary(data); err != nil {
				return err
			}
			since = prev.ReadAtNanos
		}

		// Count what this checkpoint move newly covers.
		if convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID)); convBucket != nil {
			err := convBucket.ForEach(func(k, v []byte) error {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.SenderID != userID && dbMsg.CreatedAtNanos > since {
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		cp := &DBCheckpoint{
			ConversationID: conversationID,
			ReaderID:       userID,
			ReadAtNanos:    now.UnixNano(),
		}
		data, err := cp.MarshalBinary()
		if err != nil {
			return err
		}
		return cpBucket.Put(cp.Key(), data)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BboltStore) ReadCheckpoints(ctx context.Context, conversationID string) ([]models.ReadCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var checkpoints []models.ReadCheckpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		cpBucket := tx.Bucket(bucketCheckpoints).Bucket([]byte(conversationID))
		if cpBucket == nil {
			return nil
		}
		return cpBucket.ForEach(func(k, v []byte) error {
			var cp DBCheckpoint
			if err := cp.UnmarshalBinary(v); err != nil {
				return err
			}
			checkpoints = append(checkpoints, models.ReadCheckpoint{
				ConversationID: cp.ConversationID,
				ReaderID:       cp.ReaderID,
				ReadAt:         time.Unix(0, cp.ReadAtNanos).UTC(),
			})
			return nil
		})
	})
	return checkpoints, err
}
