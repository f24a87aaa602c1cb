package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"molva/internal/content"
	"molva/internal/models"
)

// Listener receives UI-facing updates from a session. Callbacks run outside
// the session lock, on whichever goroutine produced the change.
type Listener struct {
	OnMessages func(messages []models.Message)
	OnTyping   func(userIDs []string)
	OnStatus   func()
}

// Session is the per-conversation synchronizer. Three concurrent producers
// (store push, relay push, polling) funnel into Reconcile; the cache they
// share is guarded by one mutex and every mutation is idempotent, so the
// arrival order between sources does not matter.
type Session struct {
	conversationID string
	userID         string
	sy             *Syncer
	opts           Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cache        []models.Message
	failed       map[string]struct{}  // temp ids whose persist failed
	checkpoints  map[string]time.Time // readerID -> latest ReadAt
	typing       map[string]time.Time // userID -> local expiry
	listeners    map[int]Listener
	nextListener int
	storeLive    bool
	relayLive    bool
	started      bool // startup window elapsed
	polling      bool
	closed       bool
	pollStop     chan struct{}

	cancelStoreSub  func()
	cancelRelaySub  func()
	cancelStatusSub func()
	now             func() time.Time
}

func (sy *Syncer) openSession(ctx context.Context, conversationID string) (*Session, error) {
	history, err := sy.st.QueryHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	cps, err := sy.st.ReadCheckpoints(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conversationID: conversationID,
		userID:         sy.self.CurrentUserID(),
		sy:             sy,
		opts:           sy.opts,
		ctx:            sctx,
		cancel:         cancel,
		cache:          history,
		failed:         make(map[string]struct{}),
		checkpoints:    make(map[string]time.Time),
		typing:         make(map[string]time.Time),
		listeners:      make(map[int]Listener),
		now:            time.Now,
	}
	s.sortLocked()
	for _, cp := range cps {
		if cp.ReadAt.After(s.checkpoints[cp.ReaderID]) {
			s.checkpoints[cp.ReaderID] = cp.ReadAt
		}
	}

	// The in-process store feed is established the moment we subscribe;
	// a remote adapter flips this through SetStoreLive.
	s.cancelStoreSub = sy.st.SubscribeToInserts(conversationID, func(m models.Message) {
		s.Reconcile(m)
	})
	s.storeLive = true

	if sy.relay != nil {
		s.cancelRelaySub = sy.relay.Subscribe(conversationID, s.handleRelayEvent)
		s.cancelStatusSub = sy.relay.OnStatus(s.SetRelayLive)
		s.relayLive = sy.relay.Live()
		_ = sy.relay.JoinConversation(conversationID)
	}

	time.AfterFunc(s.opts.StartupWindow, s.startupCheck)
	go s.typingSweep()

	return s, nil
}

// ConversationID returns the conversation this session synchronizes.
func (s *Session) ConversationID() string { return s.conversationID }

// SendText inserts an optimistic message visible to the UI immediately and
// persists it in the background. The returned id is the temporary one; the
// store-confirmed message replaces it through Reconcile.
func (s *Session) SendText(text string) string {
	optimistic := models.Message{
		ID:             models.NewTempID(),
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		Content:        content.Sanitize(text),
		ContentType:    models.ContentTypeText,
		Kind:           models.MessageKindNormal,
		CreatedAt:      s.now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ""
	}
	s.cache = append(s.cache, optimistic)
	s.sortLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.notifyMessages(snapshot)

	go s.persist(optimistic)

	return optimistic.ID
}

func (s *Session) persist(optimistic models.Message) {
	toInsert := optimistic
	toInsert.ID = ""                 // store assigns identity
	toInsert.CreatedAt = time.Time{} // and the canonical timestamp

	persisted, err := s.sy.st.Insert(s.ctx, toInsert)
	if err != nil {
		s.opts.Log.Error("persist failed, message kept local",
			"conversationId", s.conversationID, "localId", optimistic.ID, "err", err)
		s.mu.Lock()
		if !s.closed {
			s.failed[optimistic.ID] = struct{}{}
		}
		s.mu.Unlock()
		s.notifyStatus()
		return
	}

	// The store feed already delivers the persisted message to this
	// session; reconciling here just removes the optimistic entry sooner
	// and costs nothing, since Reconcile is idempotent.
	s.Reconcile(persisted)

	if s.sy.relay != nil {
		conv, err := s.sy.conversation(s.ctx, s.conversationID)
		if err != nil {
			s.opts.Log.Warn("fan-out skipped, conversation unresolved",
				"conversationId", s.conversationID, "err", err)
		} else if err := s.sy.relay.SendMessage(s.conversationID, persisted, conv.Participants); err != nil {
			s.opts.Log.Warn("relay fan-out failed, store push covers delivery",
				"conversationId", s.conversationID, "err", err)
		}
	}

	// Sending implies the sender has the conversation open and read.
	if _, err := s.sy.st.MarkConversationRead(s.ctx, s.conversationID, s.userID); err != nil {
		s.opts.Log.Warn("self mark-read failed", "conversationId", s.conversationID, "err", err)
	}
}

// Retry re-attempts persistence of a failed optimistic message. It is the
// manual path surfaced to the user; nothing retries automatically.
func (s *Session) Retry(localID string) bool {
	s.mu.Lock()
	if _, isFailed := s.failed[localID]; !isFailed {
		s.mu.Unlock()
		return false
	}
	delete(s.failed, localID)
	var entry models.Message
	found := false
	for _, m := range s.cache {
		if m.ID == localID {
			entry = m
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return false
	}
	s.notifyStatus()
	go s.persist(entry)
	return true
}

// Reconcile merges one incoming message report into the cache exactly once,
// regardless of which source delivered it and how many times.
func (s *Session) Reconcile(incoming models.Message) {
	if incoming.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.reconcileLocked(incoming)
	var snapshot []models.Message
	if changed {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notifyMessages(snapshot)
	}
}

func (s *Session) reconcileLocked(incoming models.Message) bool {
	for _, m := range s.cache {
		if m.ID == incoming.ID {
			return false // already known
		}
	}

	if incoming.Confirmed() {
		// A pending optimistic entry from the same sender with the same
		// content inside the window is the same logical message. Two
		// identical texts in quick succession can falsely merge; that
		// tradeoff is accepted over risking duplicates on screen.
		for i, m := range s.cache {
			if !models.IsTempID(m.ID) || m.SenderID != incoming.SenderID || m.Content != incoming.Content {
				continue
			}
			if absDuration(incoming.CreatedAt.Sub(m.CreatedAt)) >= s.opts.ReconcileWindow {
				continue
			}
			delete(s.failed, m.ID)
			s.cache[i] = incoming
			s.sortLocked()
			return true
		}
	}

	s.cache = append(s.cache, incoming)
	s.sortLocked()
	return true
}

// Messages returns the current ordered, deduplicated sequence.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// MarkRead advances the local user's read checkpoint in the store and, when
// messages were actually covered, fans the receipt out through the relay.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	count, err := s.sy.st.MarkConversationRead(ctx, s.conversationID, s.userID)
	if err != nil {
		return 0, err
	}

	if count > 0 && s.sy.relay != nil {
		conv, convErr := s.sy.conversation(ctx, s.conversationID)
		if convErr == nil {
			if sendErr := s.sy.relay.MarkRead(s.conversationID, conv.Participants); sendErr != nil {
				s.opts.Log.Warn("read receipt not relayed", "conversationId", s.conversationID, "err", sendErr)
			}
		}
	}
	return count, nil
}

// SetTyping forwards the local user's typing signal to the relay.
func (s *Session) SetTyping(isTyping bool) {
	if s.sy.relay == nil {
		return
	}
	if err := s.sy.relay.SetTyping(s.conversationID, isTyping); err != nil {
		s.opts.Log.Debug("typing signal dropped", "conversationId", s.conversationID, "err", err)
	}
}

// TypingUsers returns who is currently typing, pruning expired entries.
func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneTypingLocked()

	users := make([]string, 0, len(s.typing))
	for userID := range s.typing {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Subscribe registers a listener; the returned func removes it. Listeners
// die with the session, no global registry survives a closed view.
func (s *Session) Subscribe(l Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close synchronously stops the polling timer and both push subscriptions
// before releasing the cache; a late event cannot resurrect the session.
func (s *Session) Close() {
	s.shutdown(true)
}

// discard tears the session down without leaving the relay room. Used for
// sessions that lost an Open race: the surviving session shares the relay
// link, so a leave here would drop membership it still needs.
func (s *Session) discard() {
	s.shutdown(false)
}

func (s *Session) shutdown(leaveRelay bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopPollingLocked()
	s.mu.Unlock()

	s.cancel()
	if s.cancelStoreSub != nil {
		s.cancelStoreSub()
	}
	if s.cancelRelaySub != nil {
		s.cancelRelaySub()
	}
	if s.cancelStatusSub != nil {
		s.cancelStatusSub()
	}
	if leaveRelay && s.sy.relay != nil {
		_ = s.sy.relay.LeaveConversation(s.conversationID)
	}

	s.mu.Lock()
	s.cache = nil
	s.listeners = make(map[int]Listener)
	s.mu.Unlock()
}

func (s *Session) handleRelayEvent(ev models.ServerEvent) {
	switch ev.Event {
	case models.EventNewMessage, models.EventConversationMessage:
		s.SetRelayLive(true)
		if ev.Message != nil {
			s.Reconcile(*ev.Message)
		}
	case models.EventConversationUpdate:
		s.SetRelayLive(true)
	case models.EventUserTyping:
		if ev.UserID == s.userID {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.typing[ev.UserID] = s.now().Add(s.opts.TypingTTL)
		users := s.typingSnapshotLocked()
		s.mu.Unlock()
		s.notifyTyping(users)
	case models.EventUserStoppedTyping:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if _, ok := s.typing[ev.UserID]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.typing, ev.UserID)
		users := s.typingSnapshotLocked()
		s.mu.Unlock()
		s.notifyTyping(users)
	case models.EventMessagesReadReceipt, models.EventReadReceiptConfirmed:
		s.applyCheckpoint(ev.ReadReceipt())
	}
}

// applyCheckpoint advances a reader's checkpoint; it never moves backwards,
// which is what makes read status monotonic.
func (s *Session) applyCheckpoint(cp models.ReadCheckpoint) {
	if cp.ReaderID == "" {
		return
	}

	s.mu.Lock()
	if s.closed || !cp.ReadAt.After(s.checkpoints[cp.ReaderID]) {
		s.mu.Unlock()
		return
	}
	s.checkpoints[cp.ReaderID] = cp.ReadAt
	s.mu.Unlock()
	s.notifyStatus()
}

func (s *Session) sortLocked() {
	sort.SliceStable(s.cache, func(i, j int) bool {
		return s.cache[i].Before(s.cache[j])
	})
}

func (s *Session) snapshotLocked() []models.Message {
	snapshot := make([]models.Message, len(s.cache))
	copy(snapshot, s.cache)
	return snapshot
}

func (s *Session) typingSnapshotLocked() []string {
	s.pruneTypingLocked()
	users := make([]string, 0, len(s.typing))
	for userID := range s.typing {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (s *Session) pruneTypingLocked() {
	now := s.now()
	for userID, expiresAt := range s.typing {
		if !expiresAt.After(now) {
			delete(s.typing, userID)
		}
	}
}

// typingSweep drops stale typing entries on a timer, so an indicator fades
// even when no stop event ever arrives.
func (s *Session) typingSweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			before := len(s.typing)
			s.pruneTypingLocked()
			changed := len(s.typing) != before
			var users []string
			if changed {
				users = s.typingSnapshotLocked()
			}
			s.mu.Unlock()
			if changed {
				s.notifyTyping(users)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) notifyMessages(snapshot []models.Message) {
	for _, l := range s.listenersCopy() {
		if l.OnMessages != nil {
			l.OnMessages(snapshot)
		}
	}
}

func (s *Session) notifyTyping(users []string) {
	for _, l := range s.listenersCopy() {
		if l.OnTyping != nil {
			l.OnTyping(users)
		}
	}
}

func (s *Session) notifyStatus() {
	for _, l := range s.listenersCopy() {
		if l.OnStatus != nil {
			l.OnStatus()
		}
	}
}

func (s *Session) listenersCopy() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
