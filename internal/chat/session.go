package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/transport"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Store is the conversation-store service as the engine consumes it.
type Store interface {
	Conversations(ctx context.Context) ([]RawConversation, error)
	Messages(ctx context.Context, conversationId string) ([]RawMessage, error)
	CreateSupport(ctx context.Context) (*RawConversation, error)
	MarkRead(ctx context.Context, conversationId string) error
	DeleteConversation(ctx context.Context, conversationId string) error
	DeleteMessage(ctx context.Context, messageId string) error
}

// Listener receives state-change announcements. It is the only channel
// through which the view learns about mutations; implementations must not
// call back into the session synchronously from these methods.
type Listener interface {
	OnMessages(conversationId string, msgs []Message)
	OnConversations(convs []Conversation)
	OnTyping(conversationId string, peers []TypingPeer)
	OnError(op string, err error)
}

// NopListener is an embeddable no-op Listener.
type NopListener struct{}

func (NopListener) OnMessages(string, []Message)   {}
func (NopListener) OnConversations([]Conversation) {}
func (NopListener) OnTyping(string, []TypingPeer)  {}
func (NopListener) OnError(string, error)          {}

// ConnState is the transport lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// Session owns all synchronization state for one signed-in view session:
// the conversation list, the active conversation's canonical message list,
// typing indicators and the transport subscriptions. It is constructed on
// session start and torn down on session end; nothing here is global.
type Session struct {
	cfg      config.ChatConfig
	self     UserRef
	store    Store
	tp       transport.Transport
	listener Listener
	typing   *TypingAggregator

	mu            sync.Mutex
	state         ConnState
	active        string
	msgs          []Message
	convs         []Conversation
	pendingAttach *AttachedRef
	subs          []*transport.Subscription

	typingEmitted   bool
	stopTypingTimer *time.Timer
}

// NewSession constructs a session for the given user identity. listener may
// be nil.
func NewSession(cfg config.ChatConfig, self UserRef, store Store, tp transport.Transport, listener Listener) *Session {
	if listener == nil {
		listener = NopListener{}
	}

	s := &Session{
		cfg:      cfg,
		self:     self,
		store:    store,
		tp:       tp,
		listener: listener,
		state:    StateDisconnected,
	}
	s.typing = NewTypingAggregator(cfg.TypingQuietPeriod, self.Id, s.typingChanged)
	return s
}

// Self returns the viewing user's identity.
func (s *Session) Self() UserRef {
	return s.self
}

// State returns the connection lifecycle state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns the active conversation id, empty if none.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns the visible message list of the active conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Conversations returns the visible conversation list.
func (s *Session) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// TypingPeers returns who is composing in a conversation.
func (s *Session) TypingPeers(conversationId string) []TypingPeer {
	return s.typing.Peers(conversationId)
}

// Start connects the transport and registers exactly one handler per event
// type. Starting an already-started session is an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return errcode.ErrSessionStarted
	}
	s.state = StateConnecting

	s.subs = []*transport.Subscription{
		s.tp.Subscribe(constant.EventNewMessage, s.onNewMessage),
		s.tp.Subscribe(constant.EventTyping, s.onTyping),
		s.tp.Subscribe(constant.EventMessageRead, s.onMessageRead),
		s.tp.Subscribe(constant.EventConversationUpdated, s.onConversationUpdated),
		s.tp.Subscribe(constant.EventConnected, s.onConnected),
	}
	s.mu.Unlock()

	if err := s.tp.Connect(ctx); err != nil {
		s.mu.Lock()
		s.teardownSubsLocked()
		s.state = StateDisconnected
		s.mu.Unlock()
		return errcode.ErrNotConnected.Wrap(err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	return nil
}

// Stop leaves the active room, deregisters every handler and closes the
// transport. Safe to call twice.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}

	if s.active != "" {
		if err := s.tp.LeaveRoom(context.Background(), s.active); err != nil {
			log.Debug("leave room on stop: %v", err)
		}
	}
	s.cancelStopTypingLocked()
	s.teardownSubsLocked()
	s.active = ""
	s.msgs = nil
	s.pendingAttach = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.typing.Stop()
	return s.tp.Close()
}

func (s *Session) teardownSubsLocked() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// Open makes a conversation active: leaves the previous room, joins the new
// one, resets its unread counter and fetches history. The history fetch is
// asynchronous; a result arriving after the user has moved on is discarded.
func (s *Session) Open(ctx context.Context, conversationId string) error {
	if conversationId == "" {
		return errcode.ErrInvalidParam
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return errcode.ErrSessionStopped
	}

	prev := s.active
	if prev != conversationId {
		if prev != "" {
			s.cancelStopTypingLocked()
			if err := s.tp.LeaveRoom(ctx, prev); err != nil {
				log.Debug("leave room %s: %v", prev, err)
			}
		}
		s.active = conversationId
		s.msgs = nil
		if err := s.tp.JoinRoom(ctx, conversationId); err != nil {
			log.Warn("join room %s: %v", conversationId, err)
		}
	}
	if c := findConversation(s.convs, conversationId); c != nil {
		c.UnreadCount = 0
	}
	convs := s.snapshotConvsLocked()
	s.mu.Unlock()

	if prev != "" && prev != conversationId {
		s.typing.ClearConversation(prev)
	}
	s.listener.OnConversations(convs)

	s.markReadRemote(ctx, conversationId)
	go s.fetchHistory(ctx, conversationId)
	return nil
}

// fetchHistory loads the message history and merges it through the dedup
// gate, unless the conversation stopped being active in the meantime.
func (s *Session) fetchHistory(ctx context.Context, conversationId string) {
	raws, err := s.store.Messages(ctx, conversationId)
	if err != nil {
		if errors.Is(err, errcode.ErrNotFound) {
			raws = nil
		} else {
			s.listener.OnError("fetch history", err)
			return
		}
	}

	s.mu.Lock()
	if s.active != conversationId {
		// Stale response for a conversation the user already left.
		s.mu.Unlock()
		log.Debug("discarding stale history for %s", conversationId)
		return
	}

	merged := make([]Message, 0, len(raws)+len(s.msgs))
	for i := range raws {
		m := Normalize(&raws[i])
		if m.ConversationId == "" {
			m.ConversationId = conversationId
		}
		merged = append(merged, m)
	}
	// Pushes and optimistic sends that raced the fetch stay in.
	merged = append(merged, s.msgs...)
	s.msgs = DedupSort(merged)
	msgs := s.snapshotMsgsLocked()
	s.mu.Unlock()

	s.listener.OnMessages(conversationId, msgs)
}

// OpenSupport creates (or retrieves) the support conversation and opens it.
func (s *Session) OpenSupport(ctx context.Context) (string, error) {
	raw, err := s.store.CreateSupport(ctx)
	if err != nil {
		s.listener.OnError("open support", err)
		return "", err
	}

	conv := NormalizeConversation(raw)
	if conv.Id == "" {
		return "", errcode.ErrBadResponse
	}

	s.mu.Lock()
	if findConversation(s.convs, conv.Id) == nil {
		s.convs = append(s.convs, conv)
		sortConversations(s.convs)
	}
	s.mu.Unlock()

	return conv.Id, s.Open(ctx, conv.Id)
}

// RefreshConversations reloads the conversation list from the store.
func (s *Session) RefreshConversations(ctx context.Context) error {
	raws, err := s.store.Conversations(ctx)
	if err != nil {
		s.listener.OnError("refresh conversations", err)
		return err
	}

	convs := ReconcileConversations(raws)

	s.mu.Lock()
	// The open conversation is implicitly read whatever the store says.
	if s.active != "" {
		if c := findConversation(convs, s.active); c != nil {
			c.UnreadCount = 0
		}
	}
	s.convs = convs
	out := s.snapshotConvsLocked()
	s.mu.Unlock()

	s.listener.OnConversations(out)
	return nil
}

// MarkRead zeroes a conversation's unread counter and tells the backend.
func (s *Session) MarkRead(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	if c := findConversation(s.convs, conversationId); c != nil {
		c.UnreadCount = 0
	}
	convs := s.snapshotConvsLocked()
	s.mu.Unlock()

	s.listener.OnConversations(convs)
	s.markReadRemote(ctx, conversationId)
	return nil
}

// markReadRemote is best-effort: a missed mark-as-read is recovered by the
// next refresh.
func (s *Session) markReadRemote(ctx context.Context, conversationId string) {
	if err := s.store.MarkRead(ctx, conversationId); err != nil && !errors.Is(err, errcode.ErrNotFound) {
		log.Warn("mark read %s: %v", conversationId, err)
	}
	if err := s.tp.MarkRead(ctx, conversationId); err != nil {
		log.Debug("mark read emit %s: %v", conversationId, err)
	}
}

// DeleteConversation removes a conversation locally and from the store. A
// 404 from the store means someone got there first; nothing to do.
func (s *Session) DeleteConversation(ctx context.Context, conversationId string) error {
	if err := s.store.DeleteConversation(ctx, conversationId); err != nil && !errors.Is(err, errcode.ErrNotFound) {
		s.listener.OnError("delete conversation", err)
		return err
	}

	s.mu.Lock()
	kept := s.convs[:0]
	for _, c := range s.convs {
		if c.Id != conversationId {
			kept = append(kept, c)
		}
	}
	s.convs = kept

	wasActive := s.active == conversationId
	if wasActive {
		s.cancelStopTypingLocked()
		if err := s.tp.LeaveRoom(ctx, conversationId); err != nil {
			log.Debug("leave room %s: %v", conversationId, err)
		}
		s.active = ""
		s.msgs = nil
	}
	convs := s.snapshotConvsLocked()
	s.mu.Unlock()

	if wasActive {
		s.typing.ClearConversation(conversationId)
		s.listener.OnMessages(conversationId, nil)
	}
	s.listener.OnConversations(convs)
	return nil
}

// DeleteMessage removes a message locally and from the store. 404 is a
// no-op.
func (s *Session) DeleteMessage(ctx context.Context, messageId string) error {
	if err := s.store.DeleteMessage(ctx, messageId); err != nil && !errors.Is(err, errcode.ErrNotFound) {
		s.listener.OnError("delete message", err)
		return err
	}

	s.mu.Lock()
	active := s.active
	var removed bool
	s.msgs, removed = removeById(s.msgs, messageId)
	msgs := s.snapshotMsgsLocked()
	s.mu.Unlock()

	if removed {
		s.listener.OnMessages(active, msgs)
	}
	return nil
}

// ========== Event handlers ==========
// Handlers read the active conversation at event time, never at
// registration time.

func (s *Session) onNewMessage(_ string, data []byte) {
	var ev transport.NewMessageEvent
	if err := transport.Decode(data, &ev); err != nil {
		log.Warn("bad new_message payload: %v", err)
		return
	}

	var raw RawMessage
	if len(ev.Message) > 0 {
		if err := transport.Decode(ev.Message, &raw); err != nil {
			log.Warn("bad new_message body: %v", err)
			return
		}
	}
	m := Normalize(&raw)
	if m.ConversationId == "" {
		m.ConversationId = ev.ConversationId
	}
	convId := firstNonEmpty(ev.ConversationId, m.ConversationId)
	if convId == "" {
		return
	}

	s.mu.Lock()
	isActive := convId == s.active && s.active != ""
	if isActive {
		s.reconcileEchoLocked(&m)
		s.msgs = DedupSort(append(s.msgs, m))
	}

	if c := findConversation(s.convs, convId); c != nil {
		c.LastMessage = Preview{Body: m.Body, CreatedAt: m.CreatedAt}
		c.UpdatedAt = m.CreatedAt
		if isActive {
			c.UnreadCount = 0
		} else {
			c.UnreadCount++
		}
		sortConversations(s.convs)
	}

	var msgs []Message
	if isActive {
		msgs = s.snapshotMsgsLocked()
	}
	convs := s.snapshotConvsLocked()
	s.mu.Unlock()

	if isActive {
		s.listener.OnMessages(convId, msgs)
		// An open conversation is implicitly read.
		go s.markReadRemote(context.Background(), convId)
	}
	s.listener.OnConversations(convs)
}

func (s *Session) onTyping(_ string, data []byte) {
	var ev transport.TypingEvent
	if err := transport.Decode(data, &ev); err != nil {
		log.Warn("bad typing payload: %v", err)
		return
	}
	s.typing.Apply(ev.ConversationId, ev.UserId, ev.UserName, ev.IsTyping)
}

func (s *Session) onMessageRead(_ string, data []byte) {
	var ev transport.MessageReadEvent
	if err := transport.Decode(data, &ev); err != nil {
		log.Warn("bad message_read payload: %v", err)
		return
	}

	s.mu.Lock()
	if ev.ConversationId != s.active || s.active == "" {
		s.mu.Unlock()
		return
	}
	changed := ApplyReadReceipt(s.msgs, ev.UserId)
	msgs := s.snapshotMsgsLocked()
	active := s.active
	s.mu.Unlock()

	if changed {
		s.listener.OnMessages(active, msgs)
	}
}

func (s *Session) onConversationUpdated(_ string, data []byte) {
	var ev transport.ConversationUpdatedEvent
	if err := transport.Decode(data, &ev); err != nil {
		log.Warn("bad conversation_updated payload: %v", err)
		return
	}

	s.mu.Lock()
	c := findConversation(s.convs, ev.ConversationId)
	if c == nil {
		s.mu.Unlock()
		log.Debug("update for unknown conversation %s, waiting for refresh", ev.ConversationId)
		return
	}
	c.LastMessage = Preview{Body: ev.LastMessage, CreatedAt: ev.LastMessageAt}
	if !ev.LastMessageAt.IsZero() {
		c.UpdatedAt = ev.LastMessageAt
	}
	sortConversations(s.convs)
	convs := s.snapshotConvsLocked()
	s.mu.Unlock()

	s.listener.OnConversations(convs)
}

// onConnected re-joins the active room after every (re)connect.
func (s *Session) onConnected(_ string, _ []byte) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == "" {
		return
	}
	if err := s.tp.JoinRoom(context.Background(), active); err != nil {
		log.Warn("rejoin room %s: %v", active, err)
	}
}

// typingChanged is the aggregator's change callback.
func (s *Session) typingChanged(conversationId string) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if conversationId != active {
		return
	}
	s.listener.OnTyping(conversationId, s.typing.Peers(conversationId))
}

func (s *Session) snapshotMsgsLocked() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Session) snapshotConvsLocked() []Conversation {
	out := make([]Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}
