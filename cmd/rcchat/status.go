package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and local snapshot, and check the profile against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		ws, err := wsURL(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("  WS URL:    %s\n", ws)
		fmt.Printf("  Env:       %s\n", valueOrDefault(cfg.Default.Env, "(not set)"))
		fmt.Printf("  Store:     %s\n", valueOrDefault(cfg.Store.Backend, "file"))
		if cfg.Store.Backend == "redis" {
			fmt.Printf("  Redis:     %s db=%d\n", valueOrDefault(cfg.Redis.Addr, "localhost:6379"), cfg.Redis.DB)
			if cfg.Redis.Password != "" {
				fmt.Printf("  Password:  %s\n", maskSecret(cfg.Redis.Password))
			}
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID == "" {
			fmt.Println("  User:      (not signed in)")
			return nil
		}
		fmt.Printf("  User ID:   %s\n", cfg.Auth.UserID)
		fmt.Printf("  Name:      %s\n", valueOrDefault(cfg.Auth.UserName, "Anonymous User"))

		sess, _, release, err := openSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		st := sess.Engine().State()
		unread := 0
		for _, c := range st.Chats {
			unread += c.UnreadCount
		}
		fmt.Println()
		fmt.Println("Snapshot:")
		fmt.Printf("  Chats:     %d\n", len(st.Chats))
		fmt.Printf("  Users:     %d\n", len(st.Users))
		fmt.Printf("  Groups:    %d\n", len(st.Groups))
		fmt.Printf("  Unread:    %d\n", unread)

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		u, err := sess.API().GetProfile(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:      %s\n", u.DisplayName())
		fmt.Printf("  Last seen: %s\n", formatTime(u.LastSeen))
		return nil
	},
}
