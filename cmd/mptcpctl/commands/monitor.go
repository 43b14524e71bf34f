package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll the daemon's tracked interfaces and addresses",
		Long:  "Polls mptcpd's introspection surface at a fixed interval and prints a snapshot each time, until interrupted (Ctrl+C). The daemon has no push/streaming transport, so this is poll-based rather than a live event feed.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			if err := printSnapshot(ctx); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := printSnapshot(ctx); err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")

	return cmd
}

func printSnapshot(ctx context.Context) error {
	ifaces, err := client.Interfaces(ctx)
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	out, err := formatInterfaces(ifaces, outputFormat)
	if err != nil {
		return fmt.Errorf("format interfaces: %w", err)
	}

	fmt.Printf("--- %s ---\n%s\n", time.Now().Format(time.RFC3339), out)
	return nil
}
