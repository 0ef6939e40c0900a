package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/lifesync/internal/daemon"
	"github.com/mschirtzinger/lifesync/internal/session"
	"github.com/mschirtzinger/lifesync/internal/ui"
)

// errDropped makes `sync` exit non-zero when operations were dropped.
var errDropped = errors.New("some changes could not be synced and were dropped")

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Mirror local-only records and drain the sync queue",
	Long: `Run one full sync:
  1. Mirror every record that exists only on this device
  2. Replay queued changes in the order they were made

Changes that fail temporarily stay queued and are retried next time, up to
the configured retry limit. The command exits with status 1 when any change
was dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		start := time.Now()
		report, err := a.eng.OnSessionEstablished(ctx)
		if jsonOutput {
			if perr := printJSON(report); perr != nil {
				return perr
			}
		} else {
			fmt.Printf("%s Swept %d local-only records\n", ui.RenderAccent("→"), report.Swept)
			fmt.Printf("%s %s in %v\n", ui.RenderAccent("→"), ui.RenderDrain(report.Drain), time.Since(start).Round(time.Millisecond))
			for _, op := range report.Drain.Dropped {
				fmt.Printf("  %s %s %s on %s: %s\n", ui.RenderFail("✗"), op.Op, ui.RenderMuted(op.ID), op.Table, op.LastError)
			}
		}
		if err != nil {
			return err
		}
		if report.Drain.Failed > 0 {
			return errDropped
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Show changes waiting to be synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		ops, err := a.eng.Queue().Load(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(ops)
		}
		if len(ops) == 0 {
			fmt.Printf("%s Nothing waiting to sync\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Printf("%d waiting:\n", len(ops))
		for _, op := range ops {
			retry := ""
			if op.RetryCount > 0 {
				retry = ui.RenderWarn(fmt.Sprintf(" retry %d/%d", op.RetryCount, a.eng.MaxRetries()))
			}
			fmt.Printf("  %s  %-7s %-14s %s%s\n",
				ui.RenderMuted(op.CreatedAt.Local().Format("2006-01-02 15:04:05")),
				op.Dispatch(), op.Table, ui.RenderMuted(op.ID), retry)
			if op.LastError != "" {
				fmt.Printf("      %s\n", ui.RenderMuted(op.LastError))
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show session, queue and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		st := a.eng.Status(ctx)
		if jsonOutput {
			return printJSON(st)
		}
		fmt.Print(ui.RenderStatus(st))
		if stats, err := a.cache.Stats(ctx); err == nil {
			fmt.Printf("  %-14s %d keys, %d bytes %s\n", "Cache:", stats.Keys, stats.Bytes, ui.RenderMuted(a.cache.Path()))
		}
		fmt.Printf("  %-14s %s\n", "Backend:", a.cfg.Remote.Backend)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Sign in with an access token",
	Long: `Store an access token for the remote backend and run a full sync.

The token is read from the terminal without echo, or from stdin when piped.
The user id comes from --user, or from the configured user endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, _ := cmd.Flags().GetString("user")
		refresh, _ := cmd.Flags().GetString("refresh-token")
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")
		anonymous, _ := cmd.Flags().GetBool("anonymous")

		token, err := readToken()
		if err != nil {
			return err
		}

		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		s := &session.Session{
			AccessToken:  token,
			RefreshToken: refresh,
			UserID:       userID,
			Anonymous:    anonymous,
		}
		if expiresIn > 0 {
			s.ExpiresAt = time.Now().Add(expiresIn).UTC()
		}
		if err := a.provider.Save(s); err != nil {
			return err
		}

		if s.UserID == "" {
			u, err := a.provider.UserDirect(ctx)
			if err != nil {
				return err
			}
			if u == nil || u.ID == "" {
				_ = a.provider.SignOut()
				return errors.New("no user id: pass --user or configure session.user_url")
			}
			s.UserID, s.Anonymous = u.ID, u.Anonymous
			if err := a.provider.Save(s); err != nil {
				return err
			}
		}

		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), s.UserID)
		report, err := a.eng.OnSessionEstablished(ctx)
		fmt.Printf("%s Swept %d, %s\n", ui.RenderAccent("→"), report.Swept, ui.RenderDrain(report.Drain))
		return err
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Sign out; local data stays on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		a.eng.OnSignOut("logout")
		if err := a.provider.SignOut(); err != nil {
			return err
		}
		n, _ := a.eng.Queue().Len(ctx)
		fmt.Printf("%s Signed out (%d changes wait for the next sign-in)\n", ui.RenderPass("✓"), n)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync in the background until interrupted",
	Long: `Run the background sync daemon:
  - Watches the session file: sign-in syncs, sign-out stops syncing
  - Drains the queue every sync.foreground_interval
  - Backs off while changes keep failing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		d, err := newDaemon(a)
		if err != nil {
			return err
		}
		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("→"))
		fmt.Println("Press Ctrl+C to stop")
		return d.Start(ctx)
	},
}

func newDaemon(a *app) (*daemon.Daemon, error) {
	// The watcher needs the directory even before the first sign-in.
	if err := os.MkdirAll(filepath.Dir(a.cfg.Session.File), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return daemon.NewWithConfig(a.eng, &daemon.Config{
		SessionPath:        a.cfg.Session.File,
		ForegroundInterval: a.cfg.Sync.ForegroundInterval,
		DebounceInterval:   a.cfg.Sync.Debounce,
		Logger:             a.logger("daemon"),
	})
}

// readToken reads the access token from the terminal without echo, or
// from stdin when it is not a terminal.
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Access token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nonEmpty(string(b))
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(line), nonEmpty(line)
}

func nonEmpty(token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("empty access token")
	}
	return nil
}

func init() {
	loginCmd.Flags().String("user", "", "user id (default: look up with the token)")
	loginCmd.Flags().String("refresh-token", "", "refresh token for renewing the session")
	loginCmd.Flags().Duration("expires-in", 0, "access token lifetime (0: never expires)")
	loginCmd.Flags().Bool("anonymous", false, "the identity is an anonymous account")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(daemonCmd)
}
