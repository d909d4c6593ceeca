package main

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var loginEmail string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to Remrin",
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear local locket state",
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (prompted when omitted)")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	client := newBackend()
	if s := client.Session(); s != nil {
		pterm.Info.Printf("Already logged in as %s. Run 'locket logout' first to switch accounts.\n", s.Email)
		return nil
	}

	email := strings.TrimSpace(loginEmail)
	if email == "" {
		var err error
		email, err = pterm.DefaultInteractiveTextInput.Show("Email")
		if err != nil {
			return err
		}
		email = strings.TrimSpace(email)
	}
	password, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
	if err != nil {
		return err
	}

	session, err := client.SignIn(cmd.Context(), email, password)
	if err != nil {
		pterm.Error.Println("Login failed. Check your credentials and try again.")
		return err
	}

	// Seed the auth flag so tabs render as connected right away.
	st, err := openState()
	if err != nil {
		return err
	}
	if err := st.SetAuth(true, &session.UserID); err != nil {
		return err
	}

	pterm.Success.Printf("Logged in as %s\n", session.Email)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	client := newBackend()
	if err := client.SignOut(); err != nil {
		pterm.Warning.Printf("Sign-out cleanup failed: %v\n", err)
	}

	st, err := openState()
	if err != nil {
		return err
	}
	if err := st.Reset(); err != nil {
		return err
	}

	pterm.Success.Println("Logged out")
	return nil
}
