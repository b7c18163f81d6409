package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the build via -ldflags.
var version = "0.1.0-dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the node version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
