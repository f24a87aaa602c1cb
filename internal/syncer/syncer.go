// Package syncer merges three independent message sources (durable-store
// push, relay push and fallback polling) into one ordered, deduplicated
// sequence per open conversation, and derives delivery status on top.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"molva/internal/identity"
	"molva/internal/models"
	"molva/internal/store"

	"github.com/c-pro/geche"
)

// RelayFeed is the client side of the relay protocol as the synchronizer
// sees it. *relay.Link satisfies it; tests plug in fakes.
type RelayFeed interface {
	Subscribe(conversationID string, fn func(models.ServerEvent)) (cancel func())
	OnStatus(fn func(live bool)) (cancel func())
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	SendMessage(conversationID string, msg models.Message, recipientIDs []string) error
	SetTyping(conversationID string, isTyping bool) error
	MarkRead(conversationID string, participantIDs []string) error
	Live() bool
}

// Options carries the engine timing knobs, normally taken from config.
type Options struct {
	PollInterval    time.Duration
	ReconcileWindow time.Duration
	SentGrace       time.Duration
	StartupWindow   time.Duration
	TypingTTL       time.Duration
	Log             *slog.Logger
}

func (o *Options) fillDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ReconcileWindow <= 0 {
		o.ReconcileWindow = 10 * time.Second
	}
	if o.SentGrace <= 0 {
		o.SentGrace = 5 * time.Second
	}
	if o.StartupWindow <= 0 {
		o.StartupWindow = 5 * time.Second
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 3 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

const conversationCacheTTL = time.Minute

// Syncer owns one Session per open conversation and a TTL cache of
// conversation metadata used to resolve fan-out recipients.
type Syncer struct {
	st    store.Store
	relay RelayFeed
	self  identity.Provider
	opts  Options
	convs geche.Geche[string, models.Conversation]

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Syncer. relay may be nil when only the store path is
// available; sessions then rely on store push and polling.
func New(ctx context.Context, st store.Store, relay RelayFeed, self identity.Provider, opts Options) *Syncer {
	opts.fillDefaults()
	return &Syncer{
		st:       st,
		relay:    relay,
		self:     self,
		opts:     opts,
		convs:    geche.NewMapTTLCache[string, models.Conversation](ctx, conversationCacheTTL, 15*time.Second),
		sessions: make(map[string]*Session),
	}
}

// Open seeds a session from the store and subscribes it to both push
// sources. Opening an already-open conversation returns the live session.
func (sy *Syncer) Open(ctx context.Context, conversationID string) (*Session, error) {
	sy.mu.Lock()
	if s, ok := sy.sessions[conversationID]; ok {
		sy.mu.Unlock()
		return s, nil
	}
	sy.mu.Unlock()

	s, err := sy.openSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sy.mu.Lock()
	if existing, ok := sy.sessions[conversationID]; ok {
		// Lost the race, keep the first one. The loser must not send a
		// relay leave: the winner's room membership rides the same link.
		sy.mu.Unlock()
		s.discard()
		return existing, nil
	}
	sy.sessions[conversationID] = s
	sy.mu.Unlock()
	return s, nil
}

// Close tears down the conversation's session, if open.
func (sy *Syncer) Close(conversationID string) {
	sy.mu.Lock()
	s, ok := sy.sessions[conversationID]
	delete(sy.sessions, conversationID)
	sy.mu.Unlock()

	if ok {
		s.Close()
	}
}

// CloseAll tears down every open session.
func (sy *Syncer) CloseAll() {
	sy.mu.Lock()
	sessions := make([]*Session, 0, len(sy.sessions))
	for _, s := range sy.sessions {
		sessions = append(sessions, s)
	}
	sy.sessions = make(map[string]*Session)
	sy.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// conversation resolves metadata through the TTL cache.
func (sy *Syncer) conversation(ctx context.Context, id string) (models.Conversation, error) {
	if conv, err := sy.convs.Get(id); err == nil {
		return conv, nil
	}

	conv, err := sy.st.GetConversation(ctx, id)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("resolving conversation %s: %w", id, err)
	}
	sy.convs.Set(id, conv)
	return conv, nil
}
