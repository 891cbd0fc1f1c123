package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tradechat "github.com/tradepost/tradechat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Chat live in a conversation",
	Long: "Open a real-time session, show the conversation history and stream new messages, typing and presence.\n" +
		"Each line read from stdin is sent as a message. Type /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getClient()
		if cfg.Auth.User.ID == "" {
			return fmt.Errorf("no user record; run 'tradechat login <token>' first")
		}
		wsURL, err := realtimeURL(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess := tradechat.NewSession(client, tradechat.SessionConfig{
			Realtime: tradechat.RealtimeConfig{URL: wsURL},
			Logger:   newLogger(cfg),
		})
		if err := sess.Start(ctx, cfg.Auth.Token, cfg.Auth.User); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sess.Close()

		out := &chatPrinter{w: os.Stdout, me: cfg.Auth.User.ID}
		fatal := make(chan error, 1)
		watchSession(sess, conversationID, out, fatal)

		if err := sess.OpenConversation(ctx, conversationID); err != nil {
			return apiError(err)
		}
		conv, _ := sess.Store.Conversation(conversationID)
		peer := conv.OtherParticipant
		if peer.ID != "" {
			out.setPeerName(peer.Name())
			sess.RequestUserStatus(ctx, peer.ID)
		}

		out.printf("-- %s --\n", out.peer(conversationID))
		for _, m := range sess.Store.Messages(conversationID) {
			out.message(m)
		}

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case <-ctx.Done():
				out.printf("bye\n")
				return nil
			case err := <-fatal:
				return err
			case line, ok := <-lines:
				if !ok || line == "/quit" {
					return nil
				}
				if line == "/online" {
					out.printf("online: %s\n", strings.Join(sess.Presence.OnlineUsers(), ", "))
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				msg, err := sess.SendMessage(sendCtx, conversationID, line)
				cancel()
				if err == nil && msg != nil {
					out.message(*msg)
				}
			}
		}
	},
}

// watchSession prints the events of one conversation as they arrive.
func watchSession(sess *tradechat.Session, conversationID string, out *chatPrinter, fatal chan<- error) {
	var peerTyping atomic.Bool

	sess.Bus.Subscribe(tradechat.EventNewMessage, func(ev tradechat.Event) error {
		m := ev.(tradechat.NewMessageEvent).Message
		if m.SenderID == out.me {
			return nil
		}
		if m.ConversationID != conversationID {
			out.printf("  (new message in %s)\n", m.ConversationID)
			return nil
		}
		peerTyping.Store(false)
		out.message(m)
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventTypingStatus, func(ev tradechat.Event) error {
		ts := ev.(tradechat.TypingStatusEvent)
		if ts.ConversationID != conversationID || ts.UserID == out.me {
			return nil
		}
		if ts.IsTyping && !peerTyping.Swap(true) {
			out.printf("  %s is typing...\n", valueOrDefault(ts.Username, "peer"))
		}
		if !ts.IsTyping {
			peerTyping.Store(false)
		}
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventTypingCleared, func(ev tradechat.Event) error {
		if ev.(tradechat.TypingClearedEvent).ConversationID == conversationID {
			peerTyping.Store(false)
		}
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventUserStatusChanged, func(ev tradechat.Event) error {
		st := ev.(tradechat.UserStatusChangedEvent)
		if st.UserID == out.me {
			return nil
		}
		state := "offline"
		if st.IsOnline {
			state = "online"
		}
		out.printf("  (%s is %s)\n", out.peer(st.UserID), state)
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventMessagesRead, func(ev tradechat.Event) error {
		read := ev.(tradechat.MessagesReadEvent)
		if read.ConversationID == conversationID && read.ReaderID != out.me {
			out.printf("  (seen)\n")
		}
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventMessageFailed, func(ev tradechat.Event) error {
		f := ev.(tradechat.MessageFailedEvent)
		out.printf("  ! not sent: %q (%v)\n", f.Text, apiError(f.Err))
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventReconnecting, func(ev tradechat.Event) error {
		r := ev.(tradechat.ReconnectingEvent)
		out.printf("  (connection lost, retrying in %s, attempt %d)\n", r.Delay, r.Attempt)
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventConnect, func(ev tradechat.Event) error {
		if ev.(tradechat.ConnectEvent).Reconnect {
			out.printf("  (reconnected)\n")
		}
		return nil
	})
	sess.Bus.Subscribe(tradechat.EventDisconnect, func(ev tradechat.Event) error {
		if err := ev.(tradechat.DisconnectEvent).Err; err != nil {
			select {
			case fatal <- fmt.Errorf("session ended: %w", err):
			default:
			}
		}
		return nil
	})
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines <- line
		}
	}
}

// chatPrinter serializes output from the input loop and the event handlers.
type chatPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	me       string
	peerName string
}

func (p *chatPrinter) printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, a...)
}

func (p *chatPrinter) setPeerName(name string) {
	p.mu.Lock()
	p.peerName = name
	p.mu.Unlock()
}

func (p *chatPrinter) peer(fallback string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return valueOrDefault(p.peerName, fallback)
}

func (p *chatPrinter) message(m tradechat.Message) {
	who := p.peer("them")
	if m.SenderID == p.me {
		who = "me"
	}
	p.printf("[%s] %s: %s\n", formatTime(m.Timestamp), who, m.Text)
}
