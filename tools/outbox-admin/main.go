// Package main is an operator CLI for the outbox table.
//
// Usage:
//
//	outbox-admin stats
//	outbox-admin requeue [id...]
//	outbox-admin purge --status PUBLISHED --older-than 168h
//	outbox-admin schema
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cetech1001/nlc-ai-test-sub013/libs/config"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/db"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/outbox"
	"github.com/cetech1001/nlc-ai-test-sub013/libs/runtime"
)

type admin interface {
	Stats(ctx context.Context) (outbox.Stats, error)
	Requeue(ctx context.Context, ids []int64) (int64, error)
	Purge(ctx context.Context, status outbox.Status, olderThan time.Time) (int64, error)
	EnsureSchema(ctx context.Context) error
}

type pgAdmin struct {
	*outbox.Repository
	pool *db.Pool
}

func (a pgAdmin) EnsureSchema(ctx context.Context) error {
	return outbox.EnsureSchema(ctx, a.pool)
}

type opener func(ctx context.Context) (admin, func(), error)

func openPostgres(ctx context.Context) (admin, func(), error) {
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.Open(ctx, dbURL, db.PoolConfig{MaxConns: 2})
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return pgAdmin{Repository: outbox.NewRepository(pool), pool: pool}, pool.Close, nil
}

func main() {
	_ = runtime.LoadDotEnv()
	if err := newRootCmd(openPostgres, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "outbox-admin",
		Short:         "Inspect and repair the transactional outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(
		newStatsCmd(open),
		newRequeueCmd(open),
		newPurgeCmd(open),
		newSchemaCmd(open),
	)
	return rootCmd
}

func withAdmin(cmd *cobra.Command, open opener, fn func(context.Context, admin) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	a, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, a)
}

func newStatsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print row counts per status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, open, func(ctx context.Context, a admin) error {
				s, err := a.Stats(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			})
		},
	}
}

func newRequeueCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move FAILED rows back to PENDING (all FAILED rows when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid id %q", a)
				}
				ids = append(ids, id)
			}
			return withAdmin(cmd, open, func(ctx context.Context, a admin) error {
				n, err := a.Requeue(ctx, ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d\n", n)
				return nil
			})
		},
	}
}

func newPurgeCmd(open opener) *cobra.Command {
	var (
		status    string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete PUBLISHED or FAILED rows older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := outbox.Status(strings.ToUpper(strings.TrimSpace(status)))
			if st != outbox.StatusPublished && st != outbox.StatusFailed {
				return fmt.Errorf("--status must be PUBLISHED or FAILED, got %q", status)
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withAdmin(cmd, open, func(ctx context.Context, a admin) error {
				n, err := a.Purge(ctx, st, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged=%d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", string(outbox.StatusPublished), "Terminal status to purge")
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Minimum age of purged rows")
	return cmd
}

func newSchemaCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the outbox and inbox tables if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(cmd, open, func(ctx context.Context, a admin) error {
				if err := a.EnsureSchema(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema ok")
				return nil
			})
		},
	}
}
