package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	rcchat "github.com/rcchat/rcchat/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsJSON bool

	// chats open
	chatsOpenLimit  int
	chatsOpenBefore string
)

func init() {
	chatsCmd.PersistentFlags().BoolVar(&chatsJSON, "json", false, "Print raw JSON")
	chatsOpenCmd.Flags().IntVar(&chatsOpenLimit, "limit", rcchat.DefaultLimit, "Messages per page")
	chatsOpenCmd.Flags().StringVar(&chatsOpenBefore, "before", "", "Load messages older than this message id")

	chatsCmd.AddCommand(chatsListCmd, chatsOpenCmd, chatsSendCmd, chatsDMCmd, chatsRandomCmd)
	rootCmd.AddCommand(chatsCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List, read and send to conversations",
}

// chatTitle names c for listing: the group name or the peer's name.
func chatTitle(st *rcchat.State, me string, c rcchat.Chat) string {
	if c.Kind == rcchat.ChatGroup {
		if g, ok := st.Group(c.GroupID); ok && g.Name != "" {
			return g.Name
		}
		return c.GroupID
	}
	if u, ok := st.User(c.Peer(me)); ok {
		return u.DisplayName()
	}
	return "Anonymous User"
}

// ============================================================================
// chats list
// ============================================================================

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Refresh and list conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		if err := sess.Engine().LoadChatList(ctx); err != nil {
			return err
		}
		st := sess.Engine().State()
		if chatsJSON {
			return printJSON(st.Chats)
		}
		if len(st.Chats) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		me := st.CurrentUser.ID
		for _, c := range st.Chats {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
			}
			fmt.Printf("%-28s %-7s %-20s unread=%-3d %s\n", c.ID, c.Kind, chatTitle(st, me, c), c.UnreadCount, last)
		}
		return nil
	},
}

// ============================================================================
// chats open
// ============================================================================

var chatsOpenCmd = &cobra.Command{
	Use:   "open <chat-id>",
	Short: "Load and print a page of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		engine := sess.Engine()
		if _, ok := engine.Chat(args[0]); !ok {
			if err := engine.LoadChatList(ctx); err != nil {
				return err
			}
		}
		msgs, err := engine.OpenConversation(ctx, args[0], rcchat.PageOptions{Before: chatsOpenBefore, Limit: chatsOpenLimit})
		if err != nil {
			return err
		}
		engine.SetOpenConversation(args[0])
		if chatsJSON {
			return printJSON(msgs)
		}
		st := engine.State()
		for _, m := range msgs {
			name := "Anonymous User"
			if u, ok := st.User(m.SenderID); ok {
				name = u.DisplayName()
			}
			fmt.Printf("[%s] %s (%s): %s\n", formatTime(m.Timestamp), name, m.ID, m.Content)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
		}
		return nil
	},
}

// ============================================================================
// chats send
// ============================================================================

var chatsSendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		engine := sess.Engine()
		if _, ok := engine.Chat(args[0]); !ok {
			if err := engine.LoadChatList(ctx); err != nil {
				return err
			}
		}
		if err := sess.Connect(ctx); err != nil {
			return err
		}
		m, err := engine.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if chatsJSON {
			return printJSON(m)
		}
		fmt.Printf("Message sent to %s\n", args[0])
		fmt.Printf("  Message ID: %s\n", m.ID)
		return nil
	},
}

// ============================================================================
// chats dm / random
// ============================================================================

var chatsDMCmd = &cobra.Command{
	Use:   "dm <user-id>",
	Short: "Start or find a direct chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startChat(func(ctx context.Context, e *rcchat.Engine) (string, error) {
			return e.StartDirectChat(ctx, args[0])
		})
	},
}

var chatsRandomCmd = &cobra.Command{
	Use:   "random",
	Short: "Get matched with a random user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startChat(func(ctx context.Context, e *rcchat.Engine) (string, error) {
			return e.StartRandomChat(ctx)
		})
	},
}

func startChat(fn func(ctx context.Context, e *rcchat.Engine) (string, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sess, release, err := signedInSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer release()

	id, err := fn(ctx, sess.Engine())
	if err != nil {
		return err
	}
	st := sess.Engine().State()
	c, _ := st.Chat(id)
	if chatsJSON {
		return printJSON(c)
	}
	fmt.Printf("Chat %s with %s\n", id, chatTitle(st, st.CurrentUser.ID, c))
	return nil
}
