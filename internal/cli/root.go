// Package cli contains the sessionctl commands. One process holds one
// session manager over a SQLite cookie database.
package cli

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"session_service/internal/config"
	"session_service/internal/credstore"
	"session_service/internal/service"
	"session_service/internal/session"
	"session_service/internal/storage"
)

// ClientID names the single client whose slots the CLI owns.
const ClientID = "cli"

// Options lets callers replace the pieces a command would otherwise build
// from the environment.
type Options struct {
	Config *config.Config
	API    service.Service
	DBPath string
	Logger *slog.Logger
}

type app struct {
	opts    Options
	verbose bool
	dbPath  string

	cfg     *config.Config
	log     *slog.Logger
	db      *sql.DB
	scratch *credstore.Scratch
	mgr     *session.Manager
}

// NewRootCmd builds the sessionctl command tree.
func NewRootCmd(opts Options) *cobra.Command {
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Marketplace session client",
		Long: `sessionctl keeps a marketplace session on this machine.

Credentials are stored in a local cookie database and survive between runs.

Example usage:
  sessionctl login --email me@example.com --password secret
  sessionctl whoami
  sessionctl refresh          # re-read the profile
  sessionctl token            # exchange the refresh token
  sessionctl logout`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "cookie database (default is ~/.sessionctl/cookies.db)")

	root.AddCommand(
		a.loginCmd(),
		a.logoutCmd(),
		a.whoamiCmd(),
		a.refreshCmd(),
		a.tokenCmd(),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	const op = "cli.open"

	a.log = a.opts.Logger
	if a.log == nil {
		level := slog.LevelWarn
		if a.verbose {
			level = slog.LevelDebug
		}
		a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	}

	a.cfg = a.opts.Config
	if a.cfg == nil {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.cfg = cfg
	}

	path, err := a.resolveDBPath()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	a.db, err = storage.OpenSQLite(cmd.Context(), path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	api := a.opts.API
	if api == nil {
		api = service.NewClient(a.cfg.AuthService.BaseURL, a.cfg.AuthService.Timeout, a.log)
	}

	backend := storage.NewSQLite(a.db, ClientID, a.cfg.Session.CookieTTL)
	a.scratch = credstore.NewScratch(backend, credstore.SlotPendingVerificationEmail)
	a.mgr = session.New(credstore.New(backend, a.log), api, session.Options{
		LoginPath:     a.cfg.Session.LoginPath,
		RefreshLeeway: a.cfg.Session.RefreshLeeway,
		Navigator:     loginHint(cmd.ErrOrStderr()),
		Scratch:       []session.Clearer{a.scratch},
		Logger:        a.log,
	})
	a.mgr.Init(cmd.Context())
	return nil
}

func (a *app) close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *app) resolveDBPath() (string, error) {
	switch {
	case a.dbPath != "":
		return a.dbPath, nil
	case a.opts.DBPath != "":
		return a.opts.DBPath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".sessionctl")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "cookies.db"), nil
}

// loginHint is the CLI's redirect: it tells the user how to sign in again.
func loginHint(w io.Writer) session.NavigatorFunc {
	return func(path string) {
		fmt.Fprintf(w, "Signed out. Run `sessionctl login` to sign in again (web: %s).\n", path)
	}
}
