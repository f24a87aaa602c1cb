package syncer

import (
	"context"
	"time"
)

// Liveness and the polling fallback. Polling runs only while no push
// source is live, and never during the startup window: subscriptions need
// a moment to establish, and polling over them would just burn queries.

// SetStoreLive flags whether the store insert feed is delivering. The
// in-process feed sets it on subscribe; a remote store adapter drives it
// from its connection state.
func (s *Session) SetStoreLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.storeLive == live {
		return
	}
	s.storeLive = live
	s.evaluatePollingLocked()
}

// SetRelayLive flags whether the relay link is delivering. Wired to the
// link's status callback and reinforced by every event that arrives.
func (s *Session) SetRelayLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.relayLive == live {
		return
	}
	s.relayLive = live
	s.evaluatePollingLocked()
}

func (s *Session) startupCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.started = true
	s.evaluatePollingLocked()
}

// evaluatePollingLocked reconciles the polling goroutine with the current
// liveness picture. One live push source is enough to stop polling.
func (s *Session) evaluatePollingLocked() {
	shouldPoll := s.started && !s.storeLive && !s.relayLive
	switch {
	case shouldPoll && !s.polling:
		s.polling = true
		s.pollStop = make(chan struct{})
		go s.pollLoop(s.pollStop)
	case !shouldPoll && s.polling:
		s.stopPollingLocked()
	}
}

func (s *Session) stopPollingLocked() {
	if !s.polling {
		return
	}
	s.polling = false
	close(s.pollStop)
	s.pollStop = nil
}

func (s *Session) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollOnce()
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// pollOnce refreshes history and read checkpoints through the same merge
// path push events use, so a poll result can never duplicate or reorder
// what push already delivered.
func (s *Session) pollOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.PollInterval)
	defer cancel()

	history, err := s.sy.st.QueryHistory(ctx, s.conversationID)
	if err != nil {
		s.opts.Log.Debug("poll query failed", "conversationId", s.conversationID, "err", err)
		return
	}
	for _, m := range history {
		s.Reconcile(m)
	}

	cps, err := s.sy.st.ReadCheckpoints(ctx, s.conversationID)
	if err != nil {
		s.opts.Log.Debug("poll checkpoints failed", "conversationId", s.conversationID, "err", err)
		return
	}
	for _, cp := range cps {
		s.applyCheckpoint(cp)
	}
}
