// hearth-node is the daemon: it replicates seeded repositories over the
// gossip overlay, serves fetches to peers, and exposes a local control
// socket for operator tooling.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/spf13/cobra"
)

// Exit codes: 0 normal, 1 fatal error, 2 configuration error.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	root := &cobra.Command{
		Use:           "hearth-node",
		Short:         "Peer-to-peer code collaboration node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newInitCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var tagged *errs.Error
		if errors.As(err, &tagged) && tagged.Kind() == string(errs.ConfigError) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}
