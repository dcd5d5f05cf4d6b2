package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/brontide/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print brontide-cli's build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
