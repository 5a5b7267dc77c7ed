package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "easel",
	Short: "Easel - canvas state sync and versioning engine",
	Long:  `Easel stores, versions and synchronizes collaborative canvas graphs.`,
}

func Execute() error {
	return rootCmd.Execute()
}
