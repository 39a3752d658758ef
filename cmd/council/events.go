package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/council/internal/queue/streams"
	"github.com/spf13/cobra"
)

// eventsCMD follows the run event stream through a consumer group.
func eventsCMD(cfgPath *string) *cobra.Command {
	var group string
	var consumer string
	var fromStart bool

	var events = &cobra.Command{
		Use:   "events",
		Short: "Tail council run events from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.rdb == nil {
				return fmt.Errorf("storage.redis.host required to tail events")
			}
			reg, err := streams.NewDefaultRegistry()
			if err != nil {
				return err
			}
			if consumer == "" {
				consumer = "cli-" + uuid.NewString()[:8]
			}
			c := streams.NewConsumer(a.rdb, reg, a.cfg.Events.Stream, group, consumer)
			start := "$"
			if fromStart {
				start = "0"
			}
			if err := c.EnsureGroup(ctx, start); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return c.Tail(ctx, 5*time.Second, func(m streams.Message) error {
				return enc.Encode(m.Envelope)
			})
		},
	}
	events.Flags().StringVar(&group, "group", "council-cli", "consumer group")
	events.Flags().StringVar(&consumer, "consumer", "", "consumer name (random when empty)")
	events.Flags().BoolVar(&fromStart, "from-start", false, "create the group at the beginning of the stream")
	return events
}
