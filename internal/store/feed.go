package store

import (
	"sync"

	"molva/internal/models"
)

// feed is the in-process change-notification channel shared by the adapters.
// Publishing snapshots the handler list before invoking it, so a handler may
// cancel itself or add subscriptions without deadlocking.
type feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]InsertHandler
}

func newFeed() *feed {
	return &feed{subs: make(map[string]map[int]InsertHandler)}
}

func (f *feed) subscribe(conversationID string, fn InsertHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++

	handlers, ok := f.subs[conversationID]
	if !ok {
		handlers = make(map[int]InsertHandler)
		f.subs[conversationID] = handlers
	}
	handlers[id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if handlers, ok := f.subs[conversationID]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(f.subs, conversationID)
			}
		}
	}
}

func (f *feed) publish(msg models.Message) {
	f.mu.Lock()
	handlers := make([]InsertHandler, 0, len(f.subs[msg.ConversationID]))
	for _, fn := range f.subs[msg.ConversationID] {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
}
