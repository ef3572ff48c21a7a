package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	rcchat "github.com/rcchat/rcchat/sdk/golang"
)

var (
	groupsJSON              bool
	groupsCreateDescription string
)

func init() {
	groupsCmd.PersistentFlags().BoolVar(&groupsJSON, "json", false, "Print raw JSON")
	groupsCreateCmd.Flags().StringVar(&groupsCreateDescription, "description", "", "Group description")

	groupsCmd.AddCommand(groupsCreateCmd, groupsJoinCmd, groupsOverviewCmd)
	rootCmd.AddCommand(groupsCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Create, join and browse groups",
}

func printGroup(g rcchat.Group) {
	fmt.Printf("%-26s %-24s members=%-4d %s\n", g.ID, g.Name, len(g.Members), g.Description)
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		g, err := sess.CreateGroup(ctx, args[0], groupsCreateDescription)
		if err != nil {
			return err
		}
		if groupsJSON {
			return printJSON(g)
		}
		fmt.Println("Group created.")
		printGroup(*g)
		return nil
	},
}

var groupsJoinCmd = &cobra.Command{
	Use:   "join <group-id>",
	Short: "Join a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		g, err := sess.JoinGroup(ctx, args[0])
		if err != nil {
			return err
		}
		if groupsJSON {
			return printJSON(g)
		}
		fmt.Println("Joined group.")
		printGroup(*g)
		return nil
	},
}

var groupsOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show trending, new and popular groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, release, err := openSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		ov, err := sess.GroupsOverview(ctx)
		if err != nil {
			return err
		}
		if groupsJSON {
			return printJSON(ov)
		}
		for _, sec := range []struct {
			title  string
			groups []rcchat.Group
		}{
			{"Trending", ov.Trending},
			{"New", ov.New},
			{"Popular", ov.Popular},
		} {
			fmt.Printf("%s:\n", sec.title)
			if len(sec.groups) == 0 {
				fmt.Println("  (none)")
			}
			for _, g := range sec.groups {
				fmt.Print("  ")
				printGroup(g)
			}
		}
		return nil
	},
}
