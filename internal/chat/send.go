package chat

import (
	"context"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/transport"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
)

// Attach stages an external reference on the composer. It rides along with
// the next Send and is cleared the moment the send is dispatched.
func (s *Session) Attach(ref *AttachedRef) {
	s.mu.Lock()
	s.pendingAttach = ref
	s.mu.Unlock()
}

// PendingAttachment returns the staged reference, if any.
func (s *Session) PendingAttachment() *AttachedRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingAttach
}

// Send runs the optimistic pipeline: a placeholder becomes visible
// immediately, the composer state clears, and only then does the message go
// out over the transport. A dispatch failure rolls the placeholder back and
// restores the attachment so the user can retry.
func (s *Session) Send(ctx context.Context, body string) error {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return errcode.ErrNoActiveConv
	}
	attach := s.pendingAttach
	if body == "" && attach == nil {
		s.mu.Unlock()
		return errcode.ErrEmptyMessage
	}

	now := time.Now()
	placeholder := Message{
		Id:             idgen.PendingToken(),
		ConversationId: s.active,
		Sender:         s.self,
		Body:           body,
		AttachedRef:    attach,
		ReadBy:         []string{s.self.Id},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.msgs = DedupSort(append(s.msgs, placeholder))
	// Composer state clears regardless of network outcome so a retry
	// can't double-submit the attachment.
	s.pendingAttach = nil
	s.stopComposingLocked(ctx)

	convId := s.active
	msgs := s.snapshotMsgsLocked()
	s.mu.Unlock()

	s.listener.OnMessages(convId, msgs)

	out := &transport.OutgoingMessage{
		ConversationId: convId,
		Body:           body,
	}
	if attach != nil {
		out.AttachedRef = &transport.RefPayload{
			Kind:    attach.Kind,
			Id:      attach.Id,
			Preview: attach.Preview,
		}
	}

	if err := s.tp.SendMessage(ctx, out); err != nil {
		s.rollbackPlaceholder(placeholder.Id, attach)
		wrapped := errcode.ErrSendFailed.Wrap(err)
		s.listener.OnError("send message", wrapped)
		return wrapped
	}
	return nil
}

// rollbackPlaceholder removes a failed send's placeholder and restores the
// attachment for retry.
func (s *Session) rollbackPlaceholder(token string, attach *AttachedRef) {
	s.mu.Lock()
	var removed bool
	s.msgs, removed = removeById(s.msgs, token)
	if attach != nil && s.pendingAttach == nil {
		s.pendingAttach = attach
	}
	convId := s.active
	msgs := s.snapshotMsgsLocked()
	s.mu.Unlock()

	if removed {
		s.listener.OnMessages(convId, msgs)
	}
}

// reconcileEchoLocked replaces an optimistic placeholder with its server
// echo. The transport carries no correlation token, so the match is a
// heuristic: same sender, createdAt within the configured window. Only the
// most recently inserted unmatched placeholder is consumed per echo, so two
// rapid sends cannot cross-match a single confirmation.
func (s *Session) reconcileEchoLocked(echo *Message) {
	if echo.IsPending() || echo.Sender.Id != s.self.Id {
		return
	}

	window := s.cfg.EchoMatchWindow
	for i := len(s.msgs) - 1; i >= 0; i-- {
		m := &s.msgs[i]
		if !m.IsPending() || m.Sender.Id != s.self.Id {
			continue
		}
		delta := echo.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
		return
	}
}

// InputActivity reports a local keystroke. The first call emits a typing
// signal; every call pushes the stop-typing emission out by the quiet
// period. One outstanding timer, rescheduled on every keystroke.
func (s *Session) InputActivity(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == "" || s.state != StateConnected {
		return
	}

	if !s.typingEmitted {
		if err := s.tp.StartTyping(ctx, s.active); err != nil {
			log.Debug("start typing emit: %v", err)
		}
		s.typingEmitted = true
	}

	if s.stopTypingTimer != nil {
		s.stopTypingTimer.Reset(s.cfg.TypingQuietPeriod)
		return
	}
	s.stopTypingTimer = time.AfterFunc(s.cfg.TypingQuietPeriod, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopComposingLocked(context.Background())
	})
}

// stopComposingLocked emits stop-typing if a typing signal is outstanding
// and cancels the debounce timer. Called on send, quiet-period expiry and
// conversation switch.
func (s *Session) stopComposingLocked(ctx context.Context) {
	if s.stopTypingTimer != nil {
		s.stopTypingTimer.Stop()
		s.stopTypingTimer = nil
	}
	if !s.typingEmitted {
		return
	}
	s.typingEmitted = false
	if s.active == "" {
		return
	}
	if err := s.tp.StopTyping(ctx, s.active); err != nil {
		log.Debug("stop typing emit: %v", err)
	}
}

// cancelStopTypingLocked is stopComposingLocked for lifecycle paths.
func (s *Session) cancelStopTypingLocked() {
	s.stopComposingLocked(context.Background())
}
