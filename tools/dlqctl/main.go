// dlqctl inspects and recovers dead-lettered events: stream-side :dlq
// entries and the relational undeliverable / unprocessable tables.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/slapcommerce/eventcore/libs/config"
	"github.com/slapcommerce/eventcore/libs/db"
	"github.com/slapcommerce/eventcore/libs/eventstore"
	"github.com/slapcommerce/eventcore/libs/redisx"
	"github.com/slapcommerce/eventcore/libs/runtime"
)

func main() {
	config.LoadDotenv()

	ctx, stop := runtime.SignalContext()
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dlqctl",
		Short:         "Inspect and recover dead-lettered events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newStreamCommand())
	cmd.AddCommand(newOutboxCommand())
	return cmd
}

func openRedis(ctx context.Context) (*redis.Client, error) {
	redisURL, err := config.RequiredString("REDIS_URL")
	if err != nil {
		return nil, err
	}
	return redisx.Open(ctx, redisURL)
}

func openPool(ctx context.Context) (*db.Pool, error) {
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	// One-shot commands; a big pool would just hold connections open.
	return db.Open(ctx, dbURL, db.Config{MaxConns: 2})
}

func newStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Operate on a stream's :dlq shadow",
	}
	cmd.AddCommand(newStreamListCommand())
	cmd.AddCommand(newStreamReprocessCommand())
	cmd.AddCommand(newStreamDeleteCommand())
	cmd.AddCommand(newStreamClearCommand())
	return cmd
}

func newStreamListCommand() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "list <stream>",
		Short: "List dead-lettered entries, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := openRedis(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			entries, err := eventstore.NewStreamDLQ(client).Entries(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no dead-lettered entries on %s\n", eventstore.DLQKey(args[0]))
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  type=%s  outbox_id=%s  origin=%s  error=%q\n",
					e.ID, e.Type, e.OutboxID, e.Origin, e.Error)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "max entries to show (0 shows all)")
	return cmd
}

func newStreamReprocessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <stream> <entry-id>",
		Short: "Move an entry back onto its source stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := openRedis(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			moved, err := eventstore.NewStreamDLQ(client).Reprocess(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !moved {
				return fmt.Errorf("entry %s not found on %s", args[1], eventstore.DLQKey(args[0]))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reprocessed %s onto %s\n", args[1], args[0])
			return nil
		},
	}
}

func newStreamDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <stream> <entry-id>...",
		Short: "Delete entries without reprocessing them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := openRedis(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			deleted, err := eventstore.NewStreamDLQ(client).Delete(ctx, args[0], args[1:]...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d of %d entries\n", deleted, len(args)-1)
			return nil
		},
	}
}

func newStreamClearCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear <stream>",
		Short: "Drop every dead-lettered entry for a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear %s without --yes", eventstore.DLQKey(args[0]))
			}
			ctx := cmd.Context()
			client, err := openRedis(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := eventstore.NewStreamDLQ(client).Clear(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", eventstore.DLQKey(args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the clear")
	return cmd
}

func newOutboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Operate on the relational dead-letter tables",
	}
	cmd.AddCommand(newOutboxListCommand("undeliverable", "undeliverable_messages_dlq",
		"Events the relay gave up publishing"))
	cmd.AddCommand(newOutboxListCommand("unprocessable", "unprocessable_messages_dlq",
		"Events whose handlers kept failing"))
	cmd.AddCommand(newOutboxRequeueCommand())
	return cmd
}

func newOutboxListCommand(name, table, short string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			rows, err := pool.Query(ctx,
				`SELECT id, event, last_error, failed_at FROM `+table+` ORDER BY failed_at DESC LIMIT $1`, limit)
			if err != nil {
				return err
			}
			defer rows.Close()

			n := 0
			for rows.Next() {
				var (
					id       string
					raw      []byte
					lastErr  string
					failedAt time.Time
				)
				if err := rows.Scan(&id, &raw, &lastErr, &failedAt); err != nil {
					return err
				}
				var ev eventstore.IntegrationEvent
				_ = json.Unmarshal(raw, &ev)
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  aggregate=%s/%s  failed=%s  error=%q\n",
					id, ev.EventName, ev.AggregateType, ev.AggregateID, failedAt.Format(time.RFC3339), lastErr)
				n++
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is empty\n", table)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows to show")
	return cmd
}

func newOutboxRequeueCommand() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "requeue <outbox-id>",
		Short: "Move a dead-lettered event back into the outbox as pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, ok := map[string]string{
				"undeliverable": "undeliverable_messages_dlq",
				"unprocessable": "unprocessable_messages_dlq",
			}[from]
			if !ok {
				return fmt.Errorf("--from must be undeliverable or unprocessable, got %q", from)
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			// Single statement so the row is never in both places.
			tag, err := pool.Exec(ctx, `
				WITH moved AS (
					DELETE FROM `+table+` WHERE id = $1
					RETURNING id, event
				)
				INSERT INTO outbox (id, status, created_at, attempts, event)
				SELECT id, 'pending', now(), 0, event FROM moved`, args[0])
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("no row %s in %s", args[0], table)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s from %s\n", args[0], table)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "undeliverable", "source table (undeliverable|unprocessable)")
	return cmd
}
