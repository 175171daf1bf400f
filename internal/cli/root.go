// Package cli wires the warren commands: the long-running worker loop plus
// operator commands for tasks, reviews, policy releases, personas, and
// offline evaluation.
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Persona agent fleet core",
	Long:  "warren is the task queue, safety gate, and control plane behind a fleet of persona agents.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (defaults apply when omitted)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(personaCmd)
	rootCmd.AddCommand(evalCmd)
}
