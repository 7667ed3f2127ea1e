package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/chat"
	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/store"
	"github.com/mbeoliero/chatsync/internal/transport"
	"github.com/mbeoliero/chatsync/pkg/jwt"
)

// printer renders engine callbacks to the terminal.
type printer struct {
	chat.NopListener
	selfId string
}

func (p *printer) OnMessages(conversationId string, msgs []chat.Message) {
	fmt.Printf("--- %s (%d messages) ---\n", conversationId, len(msgs))
	for _, m := range msgs {
		marker := " "
		if m.IsPending() {
			marker = "…"
		} else if p.readByPeer(&m) {
			marker = "✓"
		}
		fmt.Printf("[%s]%s %s: %s\n", m.CreatedAt.Format("15:04:05"), marker, m.Sender.Name, m.Body)
		if m.AttachedRef != nil {
			fmt.Printf("        ↳ %s %s %s\n", m.AttachedRef.Kind, m.AttachedRef.Id, m.AttachedRef.Preview)
		}
	}
}

func (p *printer) readByPeer(m *chat.Message) bool {
	for _, id := range m.ReadBy {
		if id != p.selfId {
			return true
		}
	}
	return false
}

func (p *printer) OnConversations(convs []chat.Conversation) {
	fmt.Printf("--- conversations ---\n")
	for _, c := range convs {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%s%s  %s\n", c.Id, unread, c.LastMessage.Body)
	}
}

func (p *printer) OnTyping(conversationId string, peers []chat.TypingPeer) {
	if len(peers) == 0 {
		return
	}
	names := make([]string, 0, len(peers))
	for _, peer := range peers {
		names = append(names, peer.UserName)
	}
	fmt.Printf("… %s typing\n", strings.Join(names, ", "))
}

func (p *printer) OnError(op string, err error) {
	fmt.Printf("!! %s: %v\n", op, err)
}

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	token := flag.String("token", os.Getenv("CHATSYNC_TOKEN"), "session token")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "missing session token (-token or CHATSYNC_TOKEN)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.CtxError(ctx, "failed to load config: %v", err)
		os.Exit(1)
	}

	claims, err := jwt.ParseIdentity(*token)
	if err != nil {
		log.CtxError(ctx, "failed to parse session token: %v", err)
		os.Exit(1)
	}
	self := chat.UserRef{Id: claims.UserId, Name: claims.Name, Email: claims.Email}
	log.CtxInfo(ctx, "session identity: user_id=%s name=%s", self.Id, self.Name)

	storeClient, err := store.NewClient(cfg.Store, store.WithToken(*token))
	if err != nil {
		log.CtxError(ctx, "failed to create store client: %v", err)
		os.Exit(1)
	}

	var tp transport.Transport
	switch cfg.Transport.Kind {
	case "redis":
		tp = transport.NewRedisTransport(cfg.Redis, self.Id)
	default:
		tp = transport.NewWsTransport(cfg.Transport, *token, self.Id)
	}

	view := &printer{selfId: self.Id}
	session := chat.NewSession(cfg.Chat, self, storeClient, tp, view)

	if err := session.Start(ctx); err != nil {
		log.CtxError(ctx, "failed to start session: %v", err)
		os.Exit(1)
	}
	log.CtxInfo(ctx, "session started")

	if err := session.RefreshConversations(ctx); err != nil {
		log.CtxWarn(ctx, "initial refresh failed: %v", err)
	}

	// Periodic refresh keeps the list honest even if pushes are missed.
	refreshTicker := time.NewTicker(cfg.Chat.RefreshInterval)
	defer refreshTicker.Stop()
	go func() {
		for range refreshTicker.C {
			if err := session.RefreshConversations(ctx); err != nil {
				log.CtxDebug(ctx, "refresh failed: %v", err)
			}
		}
	}()

	go commandLoop(ctx, session)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.CtxInfo(ctx, "shutting down session...")
	if err := session.Stop(); err != nil {
		log.CtxError(ctx, "session stop error: %v", err)
	}
	log.CtxInfo(ctx, "session stopped")
}

func commandLoop(ctx context.Context, session *chat.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			session.InputActivity(ctx)
			if err := session.Send(ctx, line); err != nil {
				fmt.Printf("!! send: %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "/list":
			err = session.RefreshConversations(ctx)
		case "/open":
			err = session.Open(ctx, arg)
		case "/support":
			_, err = session.OpenSupport(ctx)
		case "/read":
			if arg == "" {
				arg = session.Active()
			}
			err = session.MarkRead(ctx, arg)
		case "/del":
			err = session.DeleteConversation(ctx, arg)
		case "/delmsg":
			err = session.DeleteMessage(ctx, arg)
		case "/quit":
			syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return
		default:
			fmt.Println("commands: /list /open <id> /support /read [id] /del <id> /delmsg <id> /quit")
		}
		if err != nil {
			fmt.Printf("!! %s: %v\n", cmd, err)
		}
	}
}
