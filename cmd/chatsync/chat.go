package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/sveturs/chatsync"
)

const requestTimeout = 15 * time.Second

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats
	chatsPage int

	// messages
	messagesPage  int
	messagesLimit int

	// start
	startListing int64
	startProduct int64
)

func init() {
	chatsCmd.Flags().IntVar(&chatsPage, "page", 1, "Page to load")

	messagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page to load (1 is the newest)")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Messages per page")

	startCmd.Flags().Int64Var(&startListing, "listing", 0, "Listing the conversation is about")
	startCmd.Flags().Int64Var(&startProduct, "product", 0, "Storefront product the conversation is about")

	rootCmd.AddCommand(chatsCmd, messagesCmd, sendCmd, startCmd, readCmd, archiveCmd,
		uploadCmd, rmAttachmentCmd, refreshCmd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printMessage(m chatsync.Message) {
	fmt.Printf("[%s] #%d %d: %s", formatTime(m.CreatedAt), m.ID, m.SenderID, m.Content)
	if m.HasAttachments {
		fmt.Printf(" (%d attachments)", m.AttachmentsCount)
	}
	fmt.Println()
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		page, err := s.FetchChats(ctx, chatsPage)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(page)
		}

		chats := s.Store().Chats()
		if len(chats) == 0 {
			fmt.Println("No chats found.")
			return nil
		}
		for _, c := range chats {
			name := "?"
			if c.OtherUser != nil {
				name = c.OtherUser.Name
			}
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
			}
			fmt.Printf("#%-6d %-20s unread=%-3d %s  %s\n", c.ID, name, c.UnreadCount, formatTime(c.LastMessageAt), last)
		}
		if s.Store().HasMoreChats() {
			fmt.Printf("\nMore chats available: --page %d\n", s.Store().ChatsPage()+1)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		s, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		page, err := s.FetchMessages(ctx, chatsync.MessagesQuery{ChatID: chatID, Page: messagesPage, Limit: messagesLimit})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(page)
		}

		msgs := s.Store().Messages(chatID)
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		if s.Store().HasMoreMessages(chatID) {
			fmt.Printf("\nOlder messages available: --page %d\n", s.Store().MessagesPage(chatID)+1)
		}
		return nil
	},
}

// ============================================================================
// send / start
// ============================================================================

func sendAndPrint(req *chatsync.SendMessageRequest) error {
	s, err := loadSession()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	msg, err := s.SendMessage(ctx, req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(msg)
	}
	fmt.Printf("Message sent to chat %d\n", msg.ChatID)
	fmt.Printf("  Message ID: %d\n", msg.ID)
	fmt.Printf("  Content:    %s\n", msg.Content)
	return nil
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to an existing chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		return sendAndPrint(&chatsync.SendMessageRequest{ChatID: chatID, Content: args[1]})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <receiver-id> <message>",
	Short: "Open a conversation about a listing or product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, err := parseID(args[0], "receiver id")
		if err != nil {
			return err
		}
		if (startListing == 0) == (startProduct == 0) {
			return fmt.Errorf("exactly one of --listing or --product is required")
		}
		return sendAndPrint(&chatsync.SendMessageRequest{
			ListingID:           startListing,
			StorefrontProductID: startProduct,
			ReceiverID:          receiverID,
			Content:             args[1],
		})
	},
}

// ============================================================================
// read / archive
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <chat-id> <message-id>...",
	Short: "Mark messages as read",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(args)-1)
		for _, a := range args[1:] {
			id, err := parseID(a, "message id")
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		s, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := s.MarkMessagesAsRead(ctx, chatID, ids); err != nil {
			return err
		}
		fmt.Printf("Marked %d message(s) read in chat %d\n", len(ids), chatID)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <chat-id>",
	Short: "Archive a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		s, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := s.ArchiveChat(ctx, chatID); err != nil {
			return err
		}
		fmt.Printf("Chat %d archived\n", chatID)
		return nil
	},
}

// ============================================================================
// attachments
// ============================================================================

var uploadCmd = &cobra.Command{
	Use:   "upload <message-id> <file>...",
	Short: "Attach files to a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID, err := parseID(args[0], "message id")
		if err != nil {
			return err
		}
		files := make([]chatsync.UploadFile, 0, len(args)-1)
		for _, path := range args[1:] {
			f, err := chatsync.ReadUploadFile(path)
			if err != nil {
				return err
			}
			files = append(files, f)
		}
		s, err := loadSession()
		if err != nil {
			return err
		}

		unsubscribe := s.Store().Subscribe(func(a chatsync.Action) {
			if p, ok := a.(chatsync.UploadProgressed); ok && !jsonOutput {
				fmt.Fprintf(os.Stderr, "\rUploading... %3d%%", p.Progress)
			}
		})
		defer unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		attachments, err := s.UploadFiles(ctx, messageID, files)
		if !jsonOutput {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(attachments)
		}
		for _, a := range attachments {
			fmt.Printf("#%d %s (%d bytes) %s\n", a.ID, a.FileName, a.FileSize, a.PublicURL)
		}
		return nil
	},
}

var rmAttachmentCmd = &cobra.Command{
	Use:   "rm-attachment <attachment-id>",
	Short: "Delete an attachment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "attachment id")
		if err != nil {
			return err
		}
		s, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := s.DeleteAttachment(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Attachment %d deleted\n", id)
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <chat-id> <message-id>",
	Short: "Re-read a chat's newest message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		messageID, err := parseID(args[1], "message id")
		if err != nil {
			return err
		}
		s, err := loadSession()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		msg, err := s.RefreshMessage(ctx, chatID, messageID)
		if err != nil {
			return err
		}
		if msg == nil {
			fmt.Println("Message is not the newest in its chat.")
			return nil
		}
		if jsonOutput {
			return printJSON(msg)
		}
		printMessage(*msg)
		return nil
	},
}
