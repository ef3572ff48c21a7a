package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var searchJSON bool

func init() {
	searchCmd.PersistentFlags().BoolVar(&searchJSON, "json", false, "Print raw JSON")
	searchCmd.AddCommand(searchUsersCmd, searchGroupsCmd, searchAllCmd)
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search users and groups",
}

var searchUsersCmd = &cobra.Command{
	Use:   "users <query>",
	Short: "Search users, falling back to known users when the server fails",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		users, err := sess.Engine().SearchUsers(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if searchJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
		}
		for _, u := range users {
			fmt.Printf("%-26s %-20s %s\n", u.ID, u.DisplayName(), valueOrDefault(u.Email, u.Phone))
		}
		return nil
	},
}

var searchGroupsCmd = &cobra.Command{
	Use:   "groups <query>",
	Short: "Search groups, falling back to known groups when the server fails",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		groups, err := sess.Engine().SearchGroups(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if searchJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups found.")
		}
		for _, g := range groups {
			printGroup(g)
		}
		return nil
	},
}

var searchAllCmd = &cobra.Command{
	Use:   "all <query>",
	Short: "Search users and groups together",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		hits, err := sess.Engine().GlobalSearch(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if searchJSON {
			return printJSON(hits)
		}
		if len(hits) == 0 {
			fmt.Println("Nothing found.")
		}
		for _, h := range hits {
			switch {
			case h.User != nil:
				fmt.Printf("user   %-26s %s\n", h.User.ID, h.User.DisplayName())
			case h.Group != nil:
				fmt.Printf("group  %-26s %s\n", h.Group.ID, h.Group.Name)
			default:
				fmt.Printf("%-6s %s\n", h.Type, string(h.Raw))
			}
		}
		return nil
	},
}
