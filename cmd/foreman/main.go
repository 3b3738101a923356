package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// cfgFile is the --config override shared by every command.
var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Agents that clear your backlog",
		Long:  `Foreman drives a fleet of LLM worker subprocesses against a project backlog of features until every one of them passes.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.foreman/config.yaml)")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newFeaturesCmd(),
		newProfilesCmd(),
		newScheduleCmd(),
		newTranscriptsCmd(),
		newAgentCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
