package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/spf13/cobra"
	"github.com/triage-ai/safescan/internal/store"
)

var (
	flagDSN       string
	flagBanReason string
)

func init() {
	for _, c := range []*cobra.Command{sessionCmd, banCmd} {
		c.PersistentFlags().StringVar(&flagDSN, "dsn", "", "Postgres DSN (default: $POSTGRES_DSN)")
		rootCmd.AddCommand(c)
	}
	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionRevokeCmd)

	banAddCmd.Flags().StringVarP(&flagBanReason, "reason", "r", "manual", "ban reason")
	banCmd.AddCommand(banAddCmd, banListCmd, banLiftCmd)
}

// openStore connects to Postgres and ensures the schema.
func openStore(ctx context.Context) (*store.Store, func(), error) {
	dsn := flagDSN
	if dsn == "" {
		dsn = os.Getenv("POSTGRES_DSN")
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("--dsn or POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	closeDB := func() { _ = db.Close() }

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s := store.NewStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		closeDB()
		return nil, nil, err
	}
	return s, closeDB, nil
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage session tokens",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <user-id>",
	Short: "Open a session and print its token (shown once)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		sess, token, err := s.CreateSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s for %s\n%s\n", sess.ID, sess.UserID, token)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's live sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		sessions, err := s.ListUserSessions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPREFIX\tCREATED")
		for _, sess := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", sess.ID, sess.TokenPrefix, sess.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var sessionRevokeCmd = &cobra.Command{
	Use:   "revoke <user-id>",
	Short: "Revoke every live session of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := s.RevokeUserSessions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %d session(s)\n", n)
		return nil
	},
}

var banCmd = &cobra.Command{
	Use:   "ban",
	Short: "Manage banned users",
}

var banAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Ban a user and revoke their sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		if err := s.RecordBan(cmd.Context(), args[0], flagBanReason); err != nil {
			return err
		}
		n, err := s.RevokeUserSessions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "banned %s, revoked %d session(s)\n", args[0], n)
		return nil
	},
}

var banListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent bans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, closeDB, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		bans, err := s.ListBans(cmd.Context(), 100)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tREASON\tBANNED")
		for _, b := range bans {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", b.UserID, b.Reason, b.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var banLiftCmd = &cobra.Command{
	Use:   "lift <user-id>",
	Short: "Lift a user's ban",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeDB, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB()

		if err := s.DeleteBan(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%s is not banned", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "lifted ban on %s\n", args[0])
		return nil
	},
}
