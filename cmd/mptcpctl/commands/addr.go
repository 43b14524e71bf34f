package commands

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"
)

var errAddrRequired = errors.New("--addr flag is required")

func addrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addr",
		Short: "Inspect and manage announced MPTCP addresses",
	}

	cmd.AddCommand(addrListCmd())
	cmd.AddCommand(addrAddCmd())
	cmd.AddCommand(addrRemoveCmd())

	return cmd
}

func addrListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List addresses currently announced to the kernel path manager",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			addrs, err := client.DumpAddrs(context.Background())
			if err != nil {
				return fmt.Errorf("dump addrs: %w", err)
			}

			out, err := formatAddrs(addrs, outputFormat)
			if err != nil {
				return fmt.Errorf("format addrs: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func addrAddCmd() *cobra.Command {
	var (
		addrStr   string
		port      uint16
		id        uint8
		addrFlags uint32
		ifIndex   int32
		token     uint32
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Announce a local address to the kernel path manager",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if addrStr == "" {
				return errAddrRequired
			}

			addr, err := netip.ParseAddr(addrStr)
			if err != nil {
				return fmt.Errorf("parse --addr %q: %w", addrStr, err)
			}

			req := addAddrRequest{
				Addr:    addr,
				Port:    port,
				ID:      id,
				Flags:   addrFlags,
				IfIndex: ifIndex,
				Token:   token,
			}

			if err := client.AddAddr(context.Background(), req); err != nil {
				return fmt.Errorf("add addr: %w", err)
			}

			fmt.Printf("Address %s announced.\n", addr)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addrStr, "addr", "", "address to announce (required)")
	flags.Uint16Var(&port, "port", 0, "port (0 if not applicable)")
	flags.Uint8Var(&id, "id", 0, "address ID (0 lets the daemon allocate one)")
	flags.Uint32Var(&addrFlags, "flags", 0, "announcement flags bitmask (signal=1, subflow=2, backup=4)")
	flags.Int32Var(&ifIndex, "if-index", 0, "interface index the address is bound to")
	flags.Uint32Var(&token, "token", 0, "connection token (0 announces to all connections)")

	return cmd
}

func addrRemoveCmd() *cobra.Command {
	var (
		id    uint8
		token uint32
	)

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Withdraw a previously announced address",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := client.RemoveAddr(context.Background(), id, token); err != nil {
				return fmt.Errorf("remove addr: %w", err)
			}

			fmt.Printf("Address ID %d withdrawn.\n", id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint8Var(&id, "id", 0, "address ID to withdraw (required)")
	flags.Uint32Var(&token, "token", 0, "connection token (0 withdraws from all connections)")

	return cmd
}
