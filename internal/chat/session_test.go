package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/transport"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// fakeTransport records outbound traffic and lets tests push inbound
// events through the real bus.
type fakeTransport struct {
	bus *transport.Bus

	mu          sync.Mutex
	connected   bool
	closed      bool
	joined      []string
	left        []string
	sent        []*transport.OutgoingMessage
	typingStart []string
	typingStop  []string
	markedRead  []string
	failSend    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bus: transport.NewBus()}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.bus.Dispatch(constant.EventConnected, nil)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) JoinRoom(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = append(t.joined, conversationId)
	return nil
}

func (t *fakeTransport) LeaveRoom(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.left = append(t.left, conversationId)
	return nil
}

func (t *fakeTransport) SendMessage(ctx context.Context, msg *transport.OutgoingMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend {
		return errcode.ErrEmitFailed
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) StartTyping(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typingStart = append(t.typingStart, conversationId)
	return nil
}

func (t *fakeTransport) StopTyping(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typingStop = append(t.typingStop, conversationId)
	return nil
}

func (t *fakeTransport) MarkRead(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markedRead = append(t.markedRead, conversationId)
	return nil
}

func (t *fakeTransport) Subscribe(event string, h transport.EventHandler) *transport.Subscription {
	return t.bus.Subscribe(event, h)
}

func (t *fakeTransport) push(tb testing.TB, event string, v interface{}) {
	data, err := json.Marshal(v)
	require.NoError(tb, err)
	t.bus.Dispatch(event, data)
}

type transportRecord struct {
	connected   bool
	closed      bool
	joined      []string
	left        []string
	sent        []*transport.OutgoingMessage
	typingStart []string
	typingStop  []string
	markedRead  []string
}

func (t *fakeTransport) snapshot() transportRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transportRecord{
		connected:   t.connected,
		closed:      t.closed,
		joined:      append([]string(nil), t.joined...),
		left:        append([]string(nil), t.left...),
		sent:        append([]*transport.OutgoingMessage(nil), t.sent...),
		typingStart: append([]string(nil), t.typingStart...),
		typingStop:  append([]string(nil), t.typingStop...),
		markedRead:  append([]string(nil), t.markedRead...),
	}
}

// fakeStore serves canned raw payloads.
type fakeStore struct {
	mu          sync.Mutex
	convs       []RawConversation
	history     map[string][]RawMessage
	markedRead  []string
	deletedConv []string
	deletedMsg  []string
	deleteErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{history: make(map[string][]RawMessage)}
}

func (s *fakeStore) Conversations(ctx context.Context) ([]RawConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RawConversation(nil), s.convs...), nil
}

func (s *fakeStore) Messages(ctx context.Context, conversationId string) ([]RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RawMessage(nil), s.history[conversationId]...), nil
}

func (s *fakeStore) CreateSupport(ctx context.Context) (*RawConversation, error) {
	return &RawConversation{Id: "support-1"}, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedRead = append(s.markedRead, conversationId)
	return nil
}

func (s *fakeStore) DeleteConversation(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletedConv = append(s.deletedConv, conversationId)
	return nil
}

func (s *fakeStore) DeleteMessage(ctx context.Context, messageId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletedMsg = append(s.deletedMsg, messageId)
	return nil
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		TypingQuietPeriod: 60 * time.Millisecond,
		EchoMatchWindow:   2 * time.Second,
		HistoryPageSize:   50,
		RefreshInterval:   time.Minute,
	}
}

func newTestSession(t *testing.T) (*Session, *fakeStore, *fakeTransport) {
	t.Helper()
	st := newFakeStore()
	tp := newFakeTransport()
	self := UserRef{Id: "self", Name: "Me"}
	s := NewSession(testChatConfig(), self, st, tp, nil)
	t.Cleanup(func() { s.Stop() })
	return s, st, tp
}

func rawFrom(id, body string, senderId string, createdAt time.Time) RawMessage {
	sender, _ := json.Marshal(UserRef{Id: senderId, Name: senderId})
	return RawMessage{
		Id:        id,
		Body:      body,
		Sender:    sender,
		CreatedAt: &createdAt,
	}
}

func newMessageEvent(convId string, raw RawMessage) transport.NewMessageEvent {
	data, _ := json.Marshal(raw)
	return transport.NewMessageEvent{ConversationId: convId, Message: data}
}

func TestSession_StartRegistersOneHandlerPerEvent(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	for _, ev := range []string{
		constant.EventNewMessage,
		constant.EventTyping,
		constant.EventMessageRead,
		constant.EventConversationUpdated,
		constant.EventConnected,
	} {
		assert.Equal(t, 1, tp.bus.HandlerCount(ev), ev)
	}

	assert.Equal(t, StateConnected, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), errcode.ErrSessionStarted)
}

func TestSession_OpenJoinsRoomAndLoadsHistory(t *testing.T) {
	s, st, tp := newTestSession(t)
	st.history["c1"] = []RawMessage{
		rawFrom("m2", "second", "u2", at(2)),
		rawFrom("m1", "first", "u2", at(1)),
	}
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Open(context.Background(), "c1"))
	assert.Equal(t, "c1", s.Active())

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 2
	}, time.Second, 5*time.Millisecond)

	msgs := s.Messages()
	assert.Equal(t, []string{"m1", "m2"}, ids(msgs))

	snap := tp.snapshot()
	assert.Contains(t, snap.joined, "c1")
	assert.Contains(t, snap.markedRead, "c1")
}

func TestSession_OpenRequiresRunningSession(t *testing.T) {
	s, _, _ := newTestSession(t)
	assert.ErrorIs(t, s.Open(context.Background(), "c1"), errcode.ErrSessionStopped)
}

func TestSession_SwitchLeavesPreviousRoom(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Open(context.Background(), "c1"))
	require.NoError(t, s.Open(context.Background(), "c2"))

	snap := tp.snapshot()
	assert.Equal(t, []string{"c1", "c2"}, snap.joined)
	assert.Equal(t, []string{"c1"}, snap.left)
	assert.Equal(t, "c2", s.Active())
}

func TestSession_StaleHistoryDiscarded(t *testing.T) {
	s, st, _ := newTestSession(t)
	st.history["c2"] = []RawMessage{rawFrom("m-c2", "current", "u2", at(1))}
	st.history["c1"] = []RawMessage{rawFrom("m-c1", "stale", "u2", at(1))}
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Open(context.Background(), "c2"))
	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, time.Second, 5*time.Millisecond)

	// A late-arriving response for a conversation the user already left
	// must not resurrect its data.
	s.fetchHistory(context.Background(), "c1")
	assert.Equal(t, []string{"m-c2"}, ids(s.Messages()))
}

func TestSession_OptimisticSendThenEcho(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	require.NoError(t, s.Send(context.Background(), "hello"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsPending())
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, []string{"self"}, msgs[0].ReadBy)

	snap := tp.snapshot()
	require.Len(t, snap.sent, 1)
	assert.Equal(t, "c1", snap.sent[0].ConversationId)

	// Server echo lands within the match window.
	tp.push(t, constant.EventNewMessage,
		newMessageEvent("c1", rawFrom("srv-99", "hello", "self", time.Now())))

	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-99", msgs[0].Id)
	assert.False(t, msgs[0].IsPending())
}

func TestSession_RapidSendsDoNotCrossMatch(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	require.NoError(t, s.Send(context.Background(), "first"))
	require.NoError(t, s.Send(context.Background(), "second"))
	require.Len(t, s.Messages(), 2)

	tp := s.tp.(*fakeTransport)
	tp.push(t, constant.EventNewMessage,
		newMessageEvent("c1", rawFrom("srv-1", "second", "self", time.Now())))

	msgs := s.Messages()
	require.Len(t, msgs, 2)

	// The echo consumed only the most recently inserted placeholder.
	var pendingBodies []string
	for _, m := range msgs {
		if m.IsPending() {
			pendingBodies = append(pendingBodies, m.Body)
		}
	}
	assert.Equal(t, []string{"first"}, pendingBodies)
}

func TestSession_EchoFromPeerDoesNotConsumePlaceholder(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	require.NoError(t, s.Send(context.Background(), "mine"))
	tp.push(t, constant.EventNewMessage,
		newMessageEvent("c1", rawFrom("srv-2", "theirs", "u2", time.Now())))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
}

func TestSession_SendFailureRollsBack(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	ref := &AttachedRef{Kind: constant.RefKindOrder, Id: "ord-1"}
	s.Attach(ref)
	tp.mu.Lock()
	tp.failSend = true
	tp.mu.Unlock()

	err := s.Send(context.Background(), "doomed")
	require.Error(t, err)
	assert.ErrorIs(t, err, errcode.ErrSendFailed)

	// Placeholder rolled back, attachment restored for retry.
	assert.Empty(t, s.Messages())
	assert.Equal(t, ref, s.PendingAttachment())
}

func TestSession_SendRejectsEmpty(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	assert.ErrorIs(t, s.Send(context.Background(), "x"), errcode.ErrNoActiveConv)

	require.NoError(t, s.Open(context.Background(), "c1"))
	assert.ErrorIs(t, s.Send(context.Background(), ""), errcode.ErrEmptyMessage)

	// Attachment-only submissions are fine.
	s.Attach(&AttachedRef{Kind: constant.RefKindProduct, Id: "p1"})
	assert.NoError(t, s.Send(context.Background(), ""))
	assert.Nil(t, s.PendingAttachment())
}

func TestSession_UnreadBookkeeping(t *testing.T) {
	s, st, tp := newTestSession(t)
	st.convs = []RawConversation{{Id: "c1"}, {Id: "c2"}}
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.RefreshConversations(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	for i := 0; i < 3; i++ {
		tp.push(t, constant.EventNewMessage,
			newMessageEvent("c2", rawFrom("bg", "ping", "u2", time.Now())))
	}

	convs := s.Conversations()
	c2 := findConversation(convs, "c2")
	require.NotNil(t, c2)
	assert.Equal(t, 3, c2.UnreadCount)
	assert.Equal(t, "ping", c2.LastMessage.Body)

	// Arrivals in the open conversation never bump its counter.
	tp.push(t, constant.EventNewMessage,
		newMessageEvent("c1", rawFrom("fg", "hi", "u2", time.Now())))
	c1 := findConversation(s.Conversations(), "c1")
	require.NotNil(t, c1)
	assert.Equal(t, 0, c1.UnreadCount)

	// Opening the conversation resets the counter regardless of k.
	require.NoError(t, s.Open(context.Background(), "c2"))
	c2 = findConversation(s.Conversations(), "c2")
	require.NotNil(t, c2)
	assert.Equal(t, 0, c2.UnreadCount)
}

func TestSession_ReadReceiptEvent(t *testing.T) {
	s, st, tp := newTestSession(t)
	st.history["c1"] = []RawMessage{
		rawFrom("m1", "a", "self", at(1)),
		rawFrom("m2", "b", "self", at(2)),
	}
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))
	require.Eventually(t, func() bool {
		return len(s.Messages()) == 2
	}, time.Second, 5*time.Millisecond)

	receipt := transport.MessageReadEvent{ConversationId: "c1", UserId: "u2"}
	tp.push(t, constant.EventMessageRead, receipt)
	tp.push(t, constant.EventMessageRead, receipt)

	for _, m := range s.Messages() {
		assert.Equal(t, []string{"u2"}, m.ReadBy, m.Id)
	}

	// Receipts for inactive conversations are ignored.
	tp.push(t, constant.EventMessageRead,
		transport.MessageReadEvent{ConversationId: "other", UserId: "u3"})
	for _, m := range s.Messages() {
		assert.False(t, m.ReadByUser("u3"))
	}
}

func TestSession_ConversationUpdatedEvent(t *testing.T) {
	s, st, tp := newTestSession(t)
	st.convs = []RawConversation{
		{Id: "c1", LastMessage: &Preview{Body: "old", CreatedAt: at(9)}},
		{Id: "c2", LastMessage: &Preview{Body: "older", CreatedAt: at(1)}},
	}
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.RefreshConversations(context.Background()))

	tp.push(t, constant.EventConversationUpdated, transport.ConversationUpdatedEvent{
		ConversationId: "c2",
		LastMessage:    "fresh",
		LastMessageAt:  at(30),
	})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].Id)
	assert.Equal(t, "fresh", convs[0].LastMessage.Body)
}

func TestSession_ReconnectRejoinsActiveRoom(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	// The transport reconnected; the session must re-join.
	tp.bus.Dispatch(constant.EventConnected, nil)

	snap := tp.snapshot()
	assert.Equal(t, []string{"c1", "c1"}, snap.joined)
}

func TestSession_StopTearsEverythingDown(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	require.NoError(t, s.Stop())

	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, s.Active())
	assert.Empty(t, s.Messages())

	for _, ev := range []string{
		constant.EventNewMessage,
		constant.EventTyping,
		constant.EventMessageRead,
		constant.EventConversationUpdated,
		constant.EventConnected,
	} {
		assert.Zero(t, tp.bus.HandlerCount(ev), ev)
	}

	snap := tp.snapshot()
	assert.Contains(t, snap.left, "c1")
	assert.True(t, snap.closed)

	// Idempotent.
	require.NoError(t, s.Stop())
}

func TestSession_DeleteActiveConversation(t *testing.T) {
	s, st, _ := newTestSession(t)
	st.convs = []RawConversation{{Id: "c1"}}
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.RefreshConversations(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))
	require.NoError(t, s.Send(context.Background(), "bye"))

	require.NoError(t, s.DeleteConversation(context.Background(), "c1"))

	assert.Empty(t, s.Active())
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Conversations())
}

func TestSession_DeleteToleratesNotFound(t *testing.T) {
	s, st, _ := newTestSession(t)
	st.deleteErr = errcode.ErrNotFound
	require.NoError(t, s.Start(context.Background()))

	assert.NoError(t, s.DeleteConversation(context.Background(), "gone"))
	assert.NoError(t, s.DeleteMessage(context.Background(), "gone"))
}

func TestSession_DeleteMessageRemovesLocally(t *testing.T) {
	s, st, _ := newTestSession(t)
	st.history["c1"] = []RawMessage{
		rawFrom("m1", "keep", "u2", at(1)),
		rawFrom("m2", "drop", "u2", at(2)),
	}
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))
	require.Eventually(t, func() bool {
		return len(s.Messages()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.DeleteMessage(context.Background(), "m2"))
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestSession_TypingDebounce(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	s.InputActivity(context.Background())
	s.InputActivity(context.Background())

	snap := tp.snapshot()
	assert.Equal(t, []string{"c1"}, snap.typingStart)
	assert.Empty(t, snap.typingStop)

	// The stop-typing emission fires once the quiet period passes.
	require.Eventually(t, func() bool {
		return len(tp.snapshot().typingStop) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSession_SendCancelsTypingDebounce(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	s.InputActivity(context.Background())
	require.NoError(t, s.Send(context.Background(), "done"))

	snap := tp.snapshot()
	assert.Equal(t, []string{"c1"}, snap.typingStop)

	// The cancelled timer must not fire a second stop.
	time.Sleep(testChatConfig().TypingQuietPeriod * 2)
	assert.Len(t, tp.snapshot().typingStop, 1)
}

func TestSession_TypingEventVisibleForPeersOnly(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Open(context.Background(), "c1"))

	tp.push(t, constant.EventTyping, transport.TypingEvent{
		ConversationId: "c1", UserId: "self", UserName: "Me", IsTyping: true,
	})
	assert.Empty(t, s.TypingPeers("c1"))

	tp.push(t, constant.EventTyping, transport.TypingEvent{
		ConversationId: "c1", UserId: "u2", UserName: "Bob", IsTyping: true,
	})
	assert.Equal(t, []string{"u2"}, peerIds(s.TypingPeers("c1")))

	tp.push(t, constant.EventTyping, transport.TypingEvent{
		ConversationId: "c1", UserId: "u2", UserName: "Bob", IsTyping: false,
	})
	assert.Empty(t, s.TypingPeers("c1"))
}

func TestSession_OpenSupport(t *testing.T) {
	s, _, tp := newTestSession(t)
	require.NoError(t, s.Start(context.Background()))

	id, err := s.OpenSupport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "support-1", id)
	assert.Equal(t, "support-1", s.Active())
	assert.NotNil(t, findConversation(s.Conversations(), "support-1"))
	assert.Contains(t, tp.snapshot().joined, "support-1")
}
