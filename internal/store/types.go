package store

import (
	"encoding"
	"encoding/binary"
	"time"

	"molva/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	ContentType    string `msgpack:"contentType"`
	Kind           string `msgpack:"kind"`
	CreatedAtNanos int64  `msgpack:"createdAt"`
}

// Key orders messages by creation time with the id as tiebreaker, so a
// bucket cursor walks the canonical conversation order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAtNanos))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBConversation struct {
	ID             string   `msgpack:"id"`
	Participants   []string `msgpack:"participants"`
	IsGroup        bool     `msgpack:"isGroup"`
	AdminID        string   `msgpack:"adminId"`
	GroupName      string   `msgpack:"groupName"`
	GroupImage     string   `msgpack:"groupImage"`
	CreatedAtNanos int64    `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBCheckpoint struct {
	ConversationID string `msgpack:"conversationId"`
	ReaderID       string `msgpack:"readerId"`
	ReadAtNanos    int64  `msgpack:"readAt"`
}

func (cp *DBCheckpoint) Key() []byte {
	return []byte(cp.ReaderID)
}

func (cp *DBCheckpoint) MarshalBinary() (data []byte, err error) {
	type alias DBCheckpoint
	return msgpack.Marshal((*alias)(cp))
}

func (cp *DBCheckpoint) UnmarshalBinary(data []byte) error {
	type alias DBCheckpoint
	return msgpack.Unmarshal(data, (*alias)(cp))
}

func toDBMessage(m models.Message) *DBMessage {
	return &DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ContentType:    string(m.ContentType),
		Kind:           string(m.Kind),
		CreatedAtNanos: m.CreatedAt.UnixNano(),
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ContentType:    models.ContentType(m.ContentType),
		Kind:           models.MessageKind(m.Kind),
		CreatedAt:      time.Unix(0, m.CreatedAtNanos).UTC(),
	}
}
