// Package cmd implements the bundlestored CLI: serve and restore-check.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "bundlestored",
	Short: "Persistent bundle storage engine for a DTN node",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "bundlestored.yaml", "path to configuration file")
}
