package transport

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Query parameter keys for the websocket handshake
const (
	QueryToken  = "token"
	QuerySendId = "send_id"
	QueryConnId = "conn_id"
)

// WsTransport implements Transport over a gorilla/websocket connection.
// A single writer goroutine owns the socket for writes; reads happen on a
// dedicated read loop which also drives reconnection.
type WsTransport struct {
	cfg    config.TransportConfig
	token  string
	userId string
	bus    *Bus

	mu        sync.Mutex
	conn      *websocket.Conn
	writeChan chan []byte
	done      chan struct{}
	closed    atomic.Bool
	started   atomic.Bool
}

// NewWsTransport creates a websocket transport. The token and userId are
// carried on the handshake query string.
func NewWsTransport(cfg config.TransportConfig, token, userId string) *WsTransport {
	return &WsTransport{
		cfg:       cfg,
		token:     token,
		userId:    userId,
		bus:       NewBus(),
		writeChan: make(chan []byte, cfg.WriteChannelSize),
		done:      make(chan struct{}),
	}
}

// Subscribe registers a handler on the transport's bus.
func (t *WsTransport) Subscribe(event string, h EventHandler) *Subscription {
	return t.bus.Subscribe(event, h)
}

// Connect dials the gateway and starts the read and write loops.
func (t *WsTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return errcode.ErrConnClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return errcode.ErrSessionStarted
	}

	conn, err := t.dial(ctx)
	if err != nil {
		t.started.Store(false)
		return errcode.ErrNotConnected.Wrap(err)
	}
	t.setConn(conn)

	go t.readLoop()
	go t.writeLoop()

	t.bus.Dispatch(constant.EventConnected, nil)
	return nil
}

// dial opens a single websocket connection.
func (t *WsTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.cfg.WSURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(QueryToken, t.token)
	q.Set(QuerySendId, t.userId)
	q.Set(QueryConnId, uuid.New().String())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(t.cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		return nil
	})
	return conn, nil
}

func (t *WsTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *WsTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// readLoop reads frames until the transport is closed, redialing on error.
func (t *WsTransport) readLoop() {
	for {
		conn := t.current()
		if conn == nil || t.closed.Load() {
			return
		}

		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			log.Warn("websocket read error, reconnecting: %v", err)
			if !t.redial() {
				return
			}
			continue
		}

		t.handleFrame(data)
	}
}

// redial replaces the dead connection. Returns false once the transport is
// closed for good.
func (t *WsTransport) redial() bool {
	old := t.current()
	if old != nil {
		old.Close()
	}

	for {
		select {
		case <-t.done:
			return false
		case <-time.After(t.cfg.ReconnectWait):
		}

		conn, err := t.dial(context.Background())
		if err != nil {
			log.Debug("websocket redial failed: %v", err)
			continue
		}

		t.setConn(conn)
		// The session re-joins its active room on this event.
		t.bus.Dispatch(constant.EventConnected, nil)
		return true
	}
}

// handleFrame decodes one inbound frame and dispatches its event.
func (t *WsTransport) handleFrame(data []byte) {
	var frame Frame
	if err := Decode(data, &frame); err != nil {
		log.Warn("dropping undecodable frame: %v", err)
		return
	}
	if frame.Op != OpEvent || frame.Event == "" {
		log.Debug("ignoring non-event frame: op=%s", frame.Op)
		return
	}
	t.bus.Dispatch(frame.Event, frame.Data)
}

// writeLoop is the single writer; it also keeps the connection alive with
// pings.
func (t *WsTransport) writeLoop() {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			conn := t.current()
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
			}
			return

		case data := <-t.writeChan:
			conn := t.current()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("websocket write error: %v", err)
			}

		case <-ticker.C:
			conn := t.current()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("ping error: %v", err)
			}
		}
	}
}

// emit queues an outbound frame.
func (t *WsTransport) emit(op string, v interface{}) error {
	if t.closed.Load() {
		return errcode.ErrConnClosed
	}
	if !t.started.Load() {
		return errcode.ErrNotConnected
	}

	frame := Frame{Op: op, OperationId: uuid.New().String()}
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

	select {
	case t.writeChan <- buf:
		return nil
	default:
		return errcode.ErrWriteChannelFull
	}
}

// JoinRoom subscribes this connection to a conversation's push events.
func (t *WsTransport) JoinRoom(ctx context.Context, conversationId string) error {
	return t.emit(OpJoinRoom, RoomPayload{ConversationId: conversationId})
}

// LeaveRoom unsubscribes from a conversation's push events.
func (t *WsTransport) LeaveRoom(ctx context.Context, conversationId string) error {
	return t.emit(OpLeaveRoom, RoomPayload{ConversationId: conversationId})
}

// SendMessage dispatches an outgoing message.
func (t *WsTransport) SendMessage(ctx context.Context, msg *OutgoingMessage) error {
	if msg == nil || msg.ConversationId == "" {
		return errcode.ErrInvalidParam
	}
	return t.emit(OpSendMessage, msg)
}

// StartTyping signals composing started.
func (t *WsTransport) StartTyping(ctx context.Context, conversationId string) error {
	return t.emit(OpStartTyping, RoomPayload{ConversationId: conversationId})
}

// StopTyping signals composing stopped.
func (t *WsTransport) StopTyping(ctx context.Context, conversationId string) error {
	return t.emit(OpStopTyping, RoomPayload{ConversationId: conversationId})
}

// MarkRead signals the conversation tail was read.
func (t *WsTransport) MarkRead(ctx context.Context, conversationId string) error {
	return t.emit(OpMarkRead, RoomPayload{ConversationId: conversationId})
}

// Close tears the transport down for good.
func (t *WsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)

	conn := t.current()
	if conn != nil {
		conn.Close()
	}
	return nil
}
