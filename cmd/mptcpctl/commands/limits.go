package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNoLimitsSpecified = errors.New("no limits specified")

func limitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Inspect and manage the kernel path manager's receive-address and subflow limits",
	}

	cmd.AddCommand(limitsGetCmd())
	cmd.AddCommand(limitsSetCmd())

	return cmd
}

func limitsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the current limits",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			limits, err := client.GetLimits(context.Background())
			if err != nil {
				return fmt.Errorf("get limits: %w", err)
			}

			out, err := formatLimits(limits, outputFormat)
			if err != nil {
				return fmt.Errorf("format limits: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func limitsSetCmd() *cobra.Command {
	var (
		rcvAddAddrs     int32
		subflows        int32
		hasRcvAddAddrs  bool
		hasSubflowLimit bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Install new receive-address and/or subflow limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hasRcvAddAddrs = cmd.Flags().Changed("rcv-add-addrs")
			hasSubflowLimit = cmd.Flags().Changed("subflows")

			var limits []limitDTO
			if hasRcvAddAddrs {
				limits = append(limits, limitDTO{Type: "rcv_add_addrs", Value: uint32(rcvAddAddrs)})
			}
			if hasSubflowLimit {
				limits = append(limits, limitDTO{Type: "subflows", Value: uint32(subflows)})
			}
			if len(limits) == 0 {
				return fmt.Errorf("%w: pass at least one of --rcv-add-addrs or --subflows", errNoLimitsSpecified)
			}

			if err := client.SetLimits(context.Background(), limits); err != nil {
				return fmt.Errorf("set limits: %w", err)
			}

			fmt.Println("Limits updated.")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int32Var(&rcvAddAddrs, "rcv-add-addrs", 0, "maximum number of ADD_ADDR announcements to accept")
	flags.Int32Var(&subflows, "subflows", 0, "maximum number of subflows per connection")

	return cmd
}
