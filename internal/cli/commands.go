package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"session_service/internal/credstore"
	"session_service/internal/models"
	"session_service/internal/service"
	"session_service/internal/session"
	"session_service/internal/validation"
)

const passwordEnv = "SESSIONCTL_PASSWORD"

func (a *app) loginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in with email and password. The password may also be given
through the SESSIONCTL_PASSWORD environment variable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(passwordEnv)
			}

			user, err := a.mgr.SignIn(cmd.Context(), email, password)
			if errors.Is(err, session.ErrAccountUnverified) {
				if serr := a.scratch.Set(cmd.Context(), credstore.SlotPendingVerificationEmail, user.Email); serr != nil {
					a.log.Warn("failed to remember pending verification email", slog.Any("error", serr))
				}
				return fmt.Errorf("account %s is not verified: check your email for the verification code", user.Email)
			}
			if err != nil {
				return userError(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s <%s> (%s)\n", user.Name, user.Email, user.Category)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.mgr.Logout(cmd.Context())
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return printUser(cmd, a.mgr.CurrentUser(), jsonOutput)
		},
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func (a *app) refreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-read the profile from the users service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.mgr.IsAuthenticated() {
				return errNotLoggedIn
			}
			a.mgr.RefreshUserData(cmd.Context())

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return printUser(cmd, a.mgr.CurrentUser(), jsonOutput)
		},
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Exchange the refresh token for a new access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.mgr.RefreshToken(cmd.Context()); err != nil {
				return userError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Access token refreshed")
			return nil
		},
	}
}

var errNotLoggedIn = errors.New("not logged in")

func printUser(cmd *cobra.Command, user *models.SessionRecord, jsonOutput bool) error {
	if user == nil {
		return errNotLoggedIn
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(user)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s <%s>\n", user.Name, user.Email)
	fmt.Fprintf(w, "  id:       %s\n", user.UserID)
	fmt.Fprintf(w, "  category: %s\n", user.Category)
	fmt.Fprintf(w, "  verified: %t\n", user.IsVerified)
	return nil
}

// userError turns err into the message a page would have shown.
func userError(err error) error {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		return errors.New(verr.First())
	case errors.Is(err, session.ErrNotAuthenticated):
		return errNotLoggedIn
	case errors.Is(err, session.ErrNoRefreshToken):
		return errors.New(service.ErrUnauthorized.Error())
	default:
		return errors.New(service.Message(err))
	}
}
