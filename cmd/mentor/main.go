package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// noColor disables ANSI colors in CLI output.
var noColor bool

var rootCmd = &cobra.Command{
	Use:   "mentor",
	Short: "Skill-adaptive programming assistant",
	Long: `mentor routes programming questions to specialised helpers (concepts,
code, debugging, docs, deployment, workflow, technology advice) and adapts
the depth of its answers to the learner's skill level.

Examples:
  mentor start
  mentor ask "explain goroutines"
  mentor session learning-mode <session-id> on --level beginner
  mentor profile set style "examples first"`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
