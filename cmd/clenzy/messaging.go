package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var notificationsMarkRead bool

// ============================================================================
// threads
// ============================================================================

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List contact threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		threads, err := s.Contact.Threads(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(threads)
		}
		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}
		for _, t := range threads {
			unread := ""
			if t.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", t.UnreadCount)
			}
			last := ""
			if t.LastMessage != nil {
				last = ": " + t.LastMessage.Content
			}
			fmt.Printf("  %s %s%s%s\n", t.CounterpartID, t.CounterpartName, unread, last)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user-id>",
	Short: "Get contact messages with a user and mark the thread read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := s.Contact.Messages(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := s.Contact.MarkThreadRead(ctx, userID); err != nil {
			fmt.Printf("Could not mark thread read: %v\n", err)
		}

		if jsonOutput {
			return printJSON(messages)
		}
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, msg := range messages {
			fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, msg.SenderID, msg.Content)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a contact message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, content := args[0], args[1]
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := s.Contact.Send(ctx, userID, content)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to %s\n", userID)
		fmt.Printf("  Message ID: %d\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations [conversation-id]",
	Short: "List guest conversations, or show one and mark it read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			messages, err := s.Conversations.Messages(ctx, id)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if err := s.Conversations.MarkRead(ctx, id); err != nil {
				fmt.Printf("Could not mark conversation read: %v\n", err)
			}
			if jsonOutput {
				return printJSON(messages)
			}
			for _, m := range messages {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt, m.Direction, m.Content)
			}
			return nil
		}

		convs, err := s.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("  #%d %s [%s] %s (%d unread)\n", c.ID, c.GuestName, c.Channel, c.PropertyName, c.UnreadCount)
		}
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show the unread notification count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if notificationsMarkRead {
			if err := s.Notifications.MarkAllRead(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("All notifications marked read.")
			return nil
		}

		count, err := s.Notifications.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(count)
		}
		fmt.Printf("Unread notifications: %d\n", count.Count)
		return nil
	},
}

func init() {
	notificationsCmd.Flags().BoolVar(&notificationsMarkRead, "mark-read", false, "Mark every notification read")

	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(notificationsCmd)
}
