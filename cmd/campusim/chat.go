package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	campusim "github.com/campusim/campusim-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendGroup       bool
	sendContentType string

	// history
	historyGroup bool

	// conversations
	conversationsUnread bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(offlineCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(statusCmd)

	sendCmd.Flags().BoolVarP(&sendGroup, "group", "g", false, "send to a group instead of a user")
	sendCmd.Flags().StringVarP(&sendContentType, "type", "t", "text", "message content type")
	historyCmd.Flags().BoolVarP(&historyGroup, "group", "g", false, "load a group's history instead of a user's")
	conversationsCmd.Flags().BoolVarP(&conversationsUnread, "unread", "u", false, "only show conversations with unread messages")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		for _, conv := range convs {
			if conversationsUnread && conv.Unread == 0 {
				continue
			}
			marker := " "
			if conv.Pinned {
				marker = "*"
			}
			fmt.Printf("%s %-12s unread=%-3d %s\n", marker, conv.ID, conv.Unread, conv.LastMessage)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <user-id | group-id>",
	Short: "Show message history with a user or group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var targetID int64
		if _, err := fmt.Sscanf(args[0], "%d", &targetID); err != nil {
			return fmt.Errorf("id must be numeric: %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var msgs []*campusim.Message
		var err error
		if historyGroup {
			msgs, err = client.Messages.Group(ctx, targetID)
		} else {
			msgs, err = client.Messages.Private(ctx, targetID)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		for _, msg := range msgs {
			printMessage(msg)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id | group-id> <message>",
	Short: "Send a message to a user or group",
	Long:  "Send a message over the realtime channel when connected, falling back to the REST path otherwise.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var targetID int64
		if _, err := fmt.Sscanf(args[0], "%d", &targetID); err != nil {
			return fmt.Errorf("id must be numeric: %q", args[0])
		}
		content := args[1]
		sess := getSession()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var msg *campusim.Message
		var err error
		if sendGroup {
			msg, err = sess.SendGroup(ctx, targetID, sendContentType, content)
		} else {
			msg, err = sess.SendPrivate(ctx, targetID, sendContentType, content)
		}
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// read / recall
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Mark a message as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Messages.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked as read.")
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <message-id>",
	Short: "Recall a sent message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Messages.Recall(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Message recalled.")
		return nil
	},
}

// ============================================================================
// unread / offline
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		count, err := client.Messages.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Unread messages: %d\n", count)
		return nil
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Fetch and acknowledge queued offline messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := getSession()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, err := sess.FetchOffline(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No offline messages.")
			return nil
		}

		for _, msg := range msgs {
			printMessage(msg)
		}
		if err := sess.ConfirmOffline(ctx); err != nil {
			return fmt.Errorf("acknowledge failed: %w", err)
		}
		fmt.Printf("Acknowledged %d messages.\n", len(msgs))
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect the realtime channel and print events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := getSession()

		sess.Realtime().OnMessage(func(ev campusim.Event) {
			fmt.Printf("[%s] ", ev.Kind)
			printMessage(ev.Message)
		})
		sess.OnPresence(func(p campusim.PresenceUpdate) {
			fmt.Printf("[presence] user %d is %s\n", p.UserID, p.Status)
		})
		sess.Realtime().OnClosed(func(reason string) {
			fmt.Printf("[closed] %s\n", reason)
		})
		expired := make(chan struct{})
		sess.OnSessionExpired(func() {
			fmt.Println("[session] credential expired, log in again")
			close(expired)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := sess.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		fmt.Println("Listening. Press Ctrl-C to stop.")

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		select {
		case <-interrupt:
			sess.Logout()
		case <-expired:
		}
		return nil
	},
}

// ============================================================================
// status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the stored credential, and the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, campusim.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:    (not logged in)")
			return nil
		}
		fmt.Printf("  Phone:    %s\n", valueOrDefault(cfg.Auth.Phone, "(unknown)"))
		fmt.Printf("  User ID:  %d\n", cfg.Auth.UserID)
		fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))

		fmt.Println()
		fmt.Println("Live status:")
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		count, err := client.Messages.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:   %d\n", count)
		return nil
	},
}

// printMessage renders one message line for terminal output.
func printMessage(msg *campusim.Message) {
	if msg == nil {
		return
	}
	when := ""
	if !msg.SentAt.IsZero() {
		when = msg.SentAt.Format("2006-01-02 15:04:05")
	}
	flags := ""
	if msg.Recalled {
		flags = " (recalled)"
	}
	if msg.Failed {
		flags += " (failed)"
	}
	fmt.Printf("%s  %s  from %d: %s%s\n", when, msg.ID, msg.SenderID, msg.Content, flags)
}
