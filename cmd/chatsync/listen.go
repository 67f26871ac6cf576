package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sveturs/chatsync"
)

var listenNoReconnect bool

func init() {
	listenCmd.Flags().BoolVar(&listenNoReconnect, "no-reconnect", false, "Exit when the push connection drops")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow live messages, typing and presence",
	Long:  "Load the chat list, open the push connection and print incoming events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runListen(ctx, cfg, !listenNoReconnect)
	},
}

// runListen prints events until ctx ends or the push connection is lost for
// good: at the first drop when reconnect is off, or once reconnecting gives up.
func runListen(ctx context.Context, cfg *Config, reconnect bool) error {
	s, err := newSession(cfg, chatsync.WithRealtimeConfig(chatsync.RealtimeConfig{
		AutoReconnect: reconnect,
	}))
	if err != nil {
		return err
	}

	if _, err := s.FetchChats(ctx, 1); err != nil {
		return err
	}
	fmt.Printf("Loaded %d chats, %d unread\n", len(s.Store().Chats()), s.Store().TotalUnread())

	unsubscribe := s.Store().Subscribe(func(a chatsync.Action) {
		printEvent(s.Store(), a)
	})
	defer unsubscribe()

	lost := make(chan error, 1)
	s.Connection().OnDisconnected(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer s.Disconnect()

	fmt.Println("Listening, press Ctrl+C to stop.")
	select {
	case <-ctx.Done():
		return nil
	case err := <-lost:
		return fmt.Errorf("push connection lost: %w", err)
	}
}

func printEvent(store *chatsync.Store, a chatsync.Action) {
	if jsonOutput {
		if ev, ok := a.(chatsync.Event); ok {
			_ = printJSON(map[string]interface{}{"type": ev.Type(), "payload": ev})
		}
		return
	}

	switch ev := a.(type) {
	case chatsync.NewMessageEvent:
		fmt.Printf("chat #%d ", ev.Message.ChatID)
		printMessage(ev.Message)
		fmt.Printf("  unread total: %d\n", store.TotalUnread())
	case chatsync.MessageReadEvent:
		fmt.Printf("chat #%d: %d message(s) read\n", ev.ChatID, len(ev.MessageIDs))
	case chatsync.UserTypingEvent:
		if ev.IsTyping {
			fmt.Printf("chat #%d: user %d is typing...\n", ev.ChatID, ev.UserID)
		}
	case chatsync.UserOnlineEvent:
		fmt.Printf("user %d is online\n", ev.UserID)
	case chatsync.UserOfflineEvent:
		fmt.Printf("user %d went offline\n", ev.UserID)
	case chatsync.OnlineUsersEvent:
		fmt.Printf("%d user(s) online\n", len(ev.UserIDs))
	}
}
