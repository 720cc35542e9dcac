// Command hsmctl is the administrative client for hsmd: PIN
// management, key generation, signing, and key enumeration over the
// RPC surface internal/rpc and internal/transport implement. It is the
// stand-in for the "CLI and management console" spec §1 places out of
// scope for protocol internals while still needing an entry point to
// exercise the RPC surface end to end.
package main

import (
	"fmt"
	"os"

	"github.com/cryptech/hsmcore/cmd/hsmctl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hsmctl:", err)
		os.Exit(1)
	}
}
