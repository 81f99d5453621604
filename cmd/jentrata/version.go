package main

import (
	"github.com/spf13/cobra"

	jentrata "github.com/pvanvliet16/jentrata-VIB"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of jentrata",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printf(cmd, "jentrata version %s\n", jentrata.Version)
		},
	}
}
