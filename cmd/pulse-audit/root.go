package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pulse-audit",
		Short:         "Audit captured task event streams",
		Long:          "pulse-audit checks captured delivery streams for gaps, duplicates, reordering, illegal lifecycle transitions and cross-user leaks.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newValidateCmd())
	return rootCmd
}
