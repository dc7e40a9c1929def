package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	campusmatch "github.com/campusmatch/campusmatch-go"
	"github.com/spf13/cobra"
)

var (
	chatSendReplyTo string
	chatTailNoRT    bool
)

func init() {
	chatSendCmd.Flags().StringVar(&chatSendReplyTo, "reply-to", "", "message id to reply to")
	chatTailCmd.Flags().BoolVar(&chatTailNoRT, "http-only", false, "skip the realtime connection (degraded mode)")
	chatCmd.AddCommand(chatTailCmd)
	chatCmd.AddCommand(chatSendCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Inspect and exercise a conversation",
}

var chatTailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Print a conversation's history and follow it live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		conversationID := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := newAPIClient(cfg)
		rt := client.Realtime(nil)
		defer rt.Close()
		if !chatTailNoRT {
			rt.Open(ctx)
		}

		chat := campusmatch.NewChat(client, rt, cfg.Auth.UserID)
		session, err := chat.OpenConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		defer session.Close()

		store := session.Store()
		for _, group := range store.DayGroups() {
			fmt.Printf("--- %s ---\n", group.Day.Format("Mon Jan 2 2006"))
			for _, m := range group.Messages {
				fmt.Println(formatMessage(cfg.Auth.UserID, m))
			}
		}

		printed := store.Len()
		typingShown := false
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		fmt.Println("--- following (ctrl-c to stop) ---")
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-store.Updates():
				msgs := store.Messages()
				if len(msgs) < printed {
					fmt.Println("--- conversation cleared ---")
					printed = 0
				}
				for _, m := range msgs[printed:] {
					fmt.Println(formatMessage(cfg.Auth.UserID, m))
				}
				printed = len(msgs)
			case <-ticker.C:
				typing := session.Typing().RemoteTyping()
				if typing != typingShown {
					typingShown = typing
					if typing {
						fmt.Println("… they are typing")
					}
				}
			case n := <-session.Notices():
				fmt.Printf("!! %s: %s\n", n.Kind, n.Text)
			}
		}
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send one message and wait for server confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		conversationID, text := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := newAPIClient(cfg)
		rt := client.Realtime(nil)
		defer rt.Close()
		rt.Open(ctx)

		chat := campusmatch.NewChat(client, rt, cfg.Auth.UserID)
		session, err := chat.OpenConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		defer session.Close()

		localID := session.Send(ctx, text, chatSendReplyTo)
		if localID == "" {
			return fmt.Errorf("nothing to send (empty message)")
		}

		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting for confirmation (message is still pending)")
			case n := <-session.Notices():
				return fmt.Errorf("send failed: %s", n.Text)
			case <-session.Store().Updates():
				if m, ok := session.Store().Get(localID); ok && !m.Pending() {
					fmt.Printf("Delivered as %s\n", m.ID)
					return nil
				}
			}
		}
	},
}
