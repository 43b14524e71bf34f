// mptcpctl is the companion CLI for mptcpd: it talks to the daemon's
// JSON introspection surface to report supervisor status, list tracked
// interfaces and announced addresses, and manage path-manager limits
// and subflows.
package main

import (
	"github.com/mptcp-tools/mptcpd/cmd/mptcpctl/commands"
)

func main() {
	commands.Execute()
}
