package syncer

import (
	"molva/internal/models"
)

// Status derives the delivery state of a message the local user sent.
// The state is computed, never stored: checkpoints and the clock fully
// determine it, so there is nothing to migrate or repair.
//
// Read wins over everything, then recipient checkpoints, then the send
// grace period. Messages from other senders report StatusDelivered since
// having them locally is proof of delivery.
func (s *Session) Status(m models.Message) (models.DeliveryStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SenderID != s.userID {
		return models.StatusDelivered, false
	}

	_, failed := s.failed[m.ID]
	if failed {
		return models.StatusSending, true
	}
	if models.IsTempID(m.ID) {
		return models.StatusSending, false
	}

	for readerID, readAt := range s.checkpoints {
		cp := models.ReadCheckpoint{
			ConversationID: s.conversationID,
			ReaderID:       readerID,
			ReadAt:         readAt,
		}
		if cp.Covers(m) {
			return models.StatusRead, false
		}
	}

	if s.now().Sub(m.CreatedAt) < s.opts.SentGrace {
		return models.StatusSent, false
	}
	return models.StatusDelivered, false
}

// UnreadCount reports how many messages from other senders the local user's
// checkpoint does not cover yet.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	own := models.ReadCheckpoint{
		ConversationID: s.conversationID,
		ReaderID:       s.userID,
		ReadAt:         s.checkpoints[s.userID],
	}

	count := 0
	for _, m := range s.cache {
		if m.SenderID == s.userID {
			continue
		}
		if !own.Covers(m) {
			count++
		}
	}
	return count
}
