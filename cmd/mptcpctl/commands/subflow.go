package commands

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"
)

func subflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subflow",
		Short: "Manage MPTCP subflows on an existing connection",
	}

	cmd.AddCommand(subflowAddCmd())
	cmd.AddCommand(subflowRemoveCmd())
	cmd.AddCommand(subflowBackupCmd())

	return cmd
}

func subflowFlags(cmd *cobra.Command, req *subflowRequest, localStr, remoteStr *string) {
	flags := cmd.Flags()
	flags.Uint32Var(&req.Token, "token", 0, "connection token (required)")
	flags.Uint8Var(&req.LocalID, "local-id", 0, "local address ID")
	flags.Uint8Var(&req.RemoteID, "remote-id", 0, "remote address ID")
	flags.StringVar(localStr, "local-addr", "", "local address (required)")
	flags.Uint16Var(&req.LocalPort, "local-port", 0, "local port")
	flags.StringVar(remoteStr, "remote-addr", "", "remote address (required)")
	flags.Uint16Var(&req.RemotePort, "remote-port", 0, "remote port")
	flags.BoolVar(&req.Backup, "backup", false, "mark the subflow as backup")
}

func parseSubflowAddrs(req *subflowRequest, localStr, remoteStr string) error {
	local, err := netip.ParseAddr(localStr)
	if err != nil {
		return fmt.Errorf("parse --local-addr %q: %w", localStr, err)
	}
	remote, err := netip.ParseAddr(remoteStr)
	if err != nil {
		return fmt.Errorf("parse --remote-addr %q: %w", remoteStr, err)
	}
	req.LocalAddr = local
	req.RemoteAddr = remote
	return nil
}

func subflowAddCmd() *cobra.Command {
	var req subflowRequest
	var localStr, remoteStr string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a new subflow on an existing connection",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := parseSubflowAddrs(&req, localStr, remoteStr); err != nil {
				return err
			}
			if err := client.AddSubflow(context.Background(), req); err != nil {
				return fmt.Errorf("add subflow: %w", err)
			}
			fmt.Println("Subflow created.")
			return nil
		},
	}

	subflowFlags(cmd, &req, &localStr, &remoteStr)
	return cmd
}

func subflowRemoveCmd() *cobra.Command {
	var req subflowRequest
	var localStr, remoteStr string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Close a subflow on an existing connection",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := parseSubflowAddrs(&req, localStr, remoteStr); err != nil {
				return err
			}
			if err := client.RemoveSubflow(context.Background(), req); err != nil {
				return fmt.Errorf("remove subflow: %w", err)
			}
			fmt.Println("Subflow closed.")
			return nil
		},
	}

	subflowFlags(cmd, &req, &localStr, &remoteStr)
	return cmd
}

func subflowBackupCmd() *cobra.Command {
	var req subflowRequest
	var localStr, remoteStr string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Toggle the backup priority flag on a subflow",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := parseSubflowAddrs(&req, localStr, remoteStr); err != nil {
				return err
			}
			if err := client.SetBackup(context.Background(), req); err != nil {
				return fmt.Errorf("set backup: %w", err)
			}
			fmt.Printf("Subflow backup flag set to %t.\n", req.Backup)
			return nil
		},
	}

	subflowFlags(cmd, &req, &localStr, &remoteStr)
	return cmd
}
