package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	rcchat "github.com/rcchat/rcchat/sdk/golang"
)

var (
	registerPhone string
	registerEmail string

	profileName  string
	profilePhone string
	profileEmail string
)

func init() {
	registerCmd.Flags().StringVar(&registerPhone, "phone", "", "Phone number")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address")

	profileCmd.Flags().StringVar(&profileName, "name", "", "New display name")
	profileCmd.Flags().StringVar(&profilePhone, "phone", "", "New phone number")
	profileCmd.Flags().StringVar(&profileEmail, "email", "", "New email address")

	rootCmd.AddCommand(registerCmd, joinCmd, profileCmd, logoutCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Create a named profile and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signInWith(func(ctx context.Context, sess *rcchat.Session) (*rcchat.User, error) {
			return sess.Register(ctx, args[0], registerPhone, registerEmail)
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join [name]",
	Short: "Join anonymously and sign in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return signInWith(func(ctx context.Context, sess *rcchat.Session) (*rcchat.User, error) {
			return sess.JoinAnonymous(ctx, name)
		})
	},
}

func signInWith(fn func(ctx context.Context, sess *rcchat.Session) (*rcchat.User, error)) error {
	sess, cfg, release, err := openSession(sessionOptions{})
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	u, err := fn(ctx, sess)
	if err != nil {
		return err
	}
	if err := rememberUser(cfg, u); err != nil {
		return err
	}

	fmt.Println("Signed in.")
	fmt.Printf("  User ID: %s\n", u.ID)
	fmt.Printf("  Name:    %s\n", u.DisplayName())
	if u.IsAnonymous {
		fmt.Println("  (anonymous profile)")
	}
	return nil
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Update the signed-in profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		if profileName == "" && profilePhone == "" && profileEmail == "" {
			return fmt.Errorf("nothing to update; pass --name, --phone or --email")
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		sess, release, err := signedInSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		u, err := sess.UpdateProfile(ctx, rcchat.ProfileUpdate{Name: profileName, Phone: profilePhone, Email: profileEmail})
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := rememberUser(cfg, u); err != nil {
			return err
		}
		fmt.Printf("Profile updated: %s\n", u.DisplayName())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the local snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, cfg, release, err := openSession(sessionOptions{})
		if err != nil {
			return err
		}
		defer release()

		if err := sess.SignOut(context.Background()); err != nil {
			return err
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
