package chat

import (
	"sort"
	"sync"
	"time"
)

// TypingPeer is a participant currently composing.
type TypingPeer struct {
	UserId   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type typingEntry struct {
	peer  TypingPeer
	timer *time.Timer
}

// TypingAggregator maintains, per conversation, the set of peers currently
// composing. Entries expire after the quiet period unless renewed, and an
// explicit stop signal removes them immediately. The current user's own
// typing is never tracked.
type TypingAggregator struct {
	mu       sync.Mutex
	quiet    time.Duration
	selfId   string
	byConv   map[string]map[string]*typingEntry
	onChange func(conversationId string)
	stopped  bool
}

// NewTypingAggregator creates an aggregator. onChange fires (outside the
// aggregator's lock) whenever a conversation's typing set changes; it may
// be nil.
func NewTypingAggregator(quiet time.Duration, selfId string, onChange func(conversationId string)) *TypingAggregator {
	return &TypingAggregator{
		quiet:    quiet,
		selfId:   selfId,
		byConv:   make(map[string]map[string]*typingEntry),
		onChange: onChange,
	}
}

// Apply folds one typing signal into the set.
func (a *TypingAggregator) Apply(conversationId, userId, userName string, isTyping bool) {
	if userId == "" || userId == a.selfId {
		return
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}

	changed := false
	if isTyping {
		changed = a.upsertLocked(conversationId, userId, userName)
	} else {
		changed = a.removeLocked(conversationId, userId)
	}
	a.mu.Unlock()

	if changed {
		a.notify(conversationId)
	}
}

func (a *TypingAggregator) upsertLocked(conversationId, userId, userName string) bool {
	set, ok := a.byConv[conversationId]
	if !ok {
		set = make(map[string]*typingEntry)
		a.byConv[conversationId] = set
	}

	if e, ok := set[userId]; ok {
		// Renewed signal: push the expiry out, nothing visible changes.
		e.timer.Reset(a.quiet)
		return false
	}

	e := &typingEntry{peer: TypingPeer{UserId: userId, UserName: userName}}
	e.timer = time.AfterFunc(a.quiet, func() {
		a.expire(conversationId, userId, e)
	})
	set[userId] = e
	return true
}

func (a *TypingAggregator) removeLocked(conversationId, userId string) bool {
	set, ok := a.byConv[conversationId]
	if !ok {
		return false
	}
	e, ok := set[userId]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(set, userId)
	if len(set) == 0 {
		delete(a.byConv, conversationId)
	}
	return true
}

// expire runs on the timer goroutine after the quiet period.
func (a *TypingAggregator) expire(conversationId, userId string, e *typingEntry) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	set, ok := a.byConv[conversationId]
	if !ok || set[userId] != e {
		// A newer entry replaced this one while the timer fired.
		a.mu.Unlock()
		return
	}
	delete(set, userId)
	if len(set) == 0 {
		delete(a.byConv, conversationId)
	}
	a.mu.Unlock()

	a.notify(conversationId)
}

func (a *TypingAggregator) notify(conversationId string) {
	if a.onChange != nil {
		a.onChange(conversationId)
	}
}

// Peers returns the composing peers for a conversation, ordered by user id
// for stable rendering.
func (a *TypingAggregator) Peers(conversationId string) []TypingPeer {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.byConv[conversationId]
	peers := make([]TypingPeer, 0, len(set))
	for _, e := range set {
		peers = append(peers, e.peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserId < peers[j].UserId })
	return peers
}

// ClearConversation drops all entries for one conversation, stopping their
// timers. Used on conversation switch and delete.
func (a *TypingAggregator) ClearConversation(conversationId string) {
	a.mu.Lock()
	set := a.byConv[conversationId]
	for _, e := range set {
		e.timer.Stop()
	}
	delete(a.byConv, conversationId)
	a.mu.Unlock()
}

// Stop drops everything and prevents further mutation. Used on session
// teardown.
func (a *TypingAggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	for _, set := range a.byConv {
		for _, e := range set {
			e.timer.Stop()
		}
	}
	a.byConv = make(map[string]map[string]*typingEntry)
}
