package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var g globals

	rootCmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Control a running relay daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.profile, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")

	rootCmd.AddCommand(statusCmd(&g))
	rootCmd.AddCommand(statsCmd(&g))
	rootCmd.AddCommand(syncCmd(&g))
	rootCmd.AddCommand(resolveCmd(&g))
	rootCmd.AddCommand(requeueCmd(&g))
	rootCmd.AddCommand(sendCmd(&g))
	rootCmd.AddCommand(conflictsCmd(&g))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
