// Package commands implements hsmctl's cobra command tree: a thin
// rpc.Client wrapper exercising the administrative surface spec's
// "CLI and management console" note leaves out of scope for protocol
// internals (SPEC_FULL.md's cmd/hsmctl module) but which still needs a
// caller to drive the RPC surface end to end.
package commands

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/cryptech/hsmcore/internal/rpc"
	"github.com/cryptech/hsmcore/internal/transport"
)

// globalFlags holds the persistent flags every subcommand reads to
// dial its own connection; hsmctl is a one-shot CLI, not a long-lived
// session, so each invocation dials fresh rather than sharing state
// across commands.
type globalFlags struct {
	addr   string
	handle uint32
}

// NewRootCmd builds the hsmctl command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "hsmctl",
		Short: "Administrative client for hsmd",
		Long:  "hsmctl drives hsmd's RPC surface: PIN management, key generation, signing, and key enumeration.",
	}
	root.PersistentFlags().StringVar(&flags.addr, "addr", "127.0.0.1:1792", "hsmd address")
	root.PersistentFlags().Uint32Var(&flags.handle, "client-handle", 1, "wire client_handle to stamp on requests")

	root.AddCommand(
		newLoginCmd(flags),
		newLogoutCmd(flags),
		newSetPINCmd(flags),
		newPKeyCmd(flags),
	)
	return root
}

// dial opens a connection to hsmd and wraps it in an rpc.Client ready
// for a single command invocation. The caller closes conn.
func dial(flags *globalFlags) (*rpc.Client, net.Conn, error) {
	conn, err := net.Dial("tcp", flags.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", flags.addr, err)
	}
	link := transport.NewLink(conn, 0)
	return rpc.NewClient(link, flags.handle), conn, nil
}
