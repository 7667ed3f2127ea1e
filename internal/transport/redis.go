package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// RedisTransport implements Transport over redis pub/sub. Rooms map to
// channels, so it needs no websocket gateway; useful when the engine runs
// next to the backend and in integration tests.
type RedisTransport struct {
	cfg    config.RedisConfig
	userId string
	rdb    *redis.Client
	bus    *Bus

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed atomic.Bool
}

// NewRedisTransport creates a redis pub/sub transport.
func NewRedisTransport(cfg config.RedisConfig, userId string) *RedisTransport {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisTransport{
		cfg:    cfg,
		userId: userId,
		rdb:    rdb,
		bus:    NewBus(),
	}
}

func (t *RedisTransport) userChannel() string {
	return t.cfg.KeyPrefix + "user:" + t.userId
}

func (t *RedisTransport) roomChannel(conversationId string) string {
	return t.cfg.KeyPrefix + "room:" + conversationId
}

func (t *RedisTransport) opsChannel() string {
	return t.cfg.KeyPrefix + "ops"
}

// Subscribe registers a handler on the transport's bus.
func (t *RedisTransport) Subscribe(event string, h EventHandler) *Subscription {
	return t.bus.Subscribe(event, h)
}

// Connect subscribes to the user channel and starts the receive loop.
func (t *RedisTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return errcode.ErrConnClosed
	}

	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return errcode.ErrNotConnected.Wrap(err)
	}

	t.mu.Lock()
	t.pubsub = t.rdb.Subscribe(ctx, t.userChannel())
	ch := t.pubsub.Channel()
	t.mu.Unlock()

	go t.receiveLoop(ch)

	t.bus.Dispatch(constant.EventConnected, nil)
	return nil
}

// receiveLoop dispatches inbound frames until the pubsub closes. go-redis
// reconnects the underlying connection itself and replays subscriptions, so
// no redial logic lives here.
func (t *RedisTransport) receiveLoop(ch <-chan *redis.Message) {
	for msg := range ch {
		var frame Frame
		if err := Decode([]byte(msg.Payload), &frame); err != nil {
			log.Warn("dropping undecodable frame on %s: %v", msg.Channel, err)
			continue
		}
		if frame.Op != OpEvent || frame.Event == "" {
			continue
		}
		t.bus.Dispatch(frame.Event, frame.Data)
	}
}

// JoinRoom adds the room channel to the subscription set.
func (t *RedisTransport) JoinRoom(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub == nil {
		return errcode.ErrNotConnected
	}
	return t.pubsub.Subscribe(ctx, t.roomChannel(conversationId))
}

// LeaveRoom removes the room channel from the subscription set.
func (t *RedisTransport) LeaveRoom(ctx context.Context, conversationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub == nil {
		return errcode.ErrNotConnected
	}
	return t.pubsub.Unsubscribe(ctx, t.roomChannel(conversationId))
}

// emit publishes an op frame for the backend to consume.
func (t *RedisTransport) emit(ctx context.Context, op string, v interface{}) error {
	if t.closed.Load() {
		return errcode.ErrConnClosed
	}

	frame := Frame{Op: op}
	if v != nil {
		data, err := Encode(v)
		if err != nil {
			return errcode.ErrInvalidProtocol.Wrap(err)
		}
		frame.Data = data
	}

	buf, err := Encode(frame)
	if err != nil {
		return errcode.ErrInvalidProtocol.Wrap(err)
	}

	if err := t.rdb.Publish(ctx, t.opsChannel(), buf).Err(); err != nil {
		return errcode.ErrEmitFailed.Wrap(err)
	}
	return nil
}

// SendMessage dispatches an outgoing message.
func (t *RedisTransport) SendMessage(ctx context.Context, msg *OutgoingMessage) error {
	if msg == nil || msg.ConversationId == "" {
		return errcode.ErrInvalidParam
	}
	return t.emit(ctx, OpSendMessage, msg)
}

// StartTyping signals composing started.
func (t *RedisTransport) StartTyping(ctx context.Context, conversationId string) error {
	return t.emit(ctx, OpStartTyping, RoomPayload{ConversationId: conversationId})
}

// StopTyping signals composing stopped.
func (t *RedisTransport) StopTyping(ctx context.Context, conversationId string) error {
	return t.emit(ctx, OpStopTyping, RoomPayload{ConversationId: conversationId})
}

// MarkRead signals the conversation tail was read.
func (t *RedisTransport) MarkRead(ctx context.Context, conversationId string) error {
	return t.emit(ctx, OpMarkRead, RoomPayload{ConversationId: conversationId})
}

// Close closes the pubsub and the client.
func (t *RedisTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	if t.pubsub != nil {
		t.pubsub.Close()
	}
	t.mu.Unlock()

	return t.rdb.Close()
}
