// Package main is the conductor command line. It hosts the orchestration engine
// in-process: agents live as long as the command that started them.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

type globalFlags struct {
	configPath string
	output     string
	verbose    bool
	noColor    bool
}

func main() {
	flags := &globalFlags{}
	var a *app

	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Run coding agents in isolated git worktrees",
		Long: `conductor orchestrates coding-agent sessions. Each session gets its own
git worktree and branch, runs the agent as a supervised subprocess and records
every completed turn as a commit.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.noColor {
				color.NoColor = true
			}
			if !validOutput(flags.output) {
				return fmt.Errorf("unknown output format %q (use table, json or yaml)", flags.output)
			}
			var err error
			a, err = newApp(cmd.Context(), flags)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a == nil {
				return nil
			}
			return a.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Directory containing config.yaml")
	rootCmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sessions", Title: "Sessions:"},
		&cobra.Group{ID: "projects", Title: "Projects:"},
	)

	appRef := func() *app { return a }

	for _, cmd := range []*cobra.Command{
		runCmd(appRef),
		resumeCmd(appRef),
		sessionCmd(appRef),
	} {
		cmd.GroupID = "sessions"
		rootCmd.AddCommand(cmd)
	}
	project := projectCmd(appRef)
	project.GroupID = "projects"
	rootCmd.AddCommand(project)

	if err := rootCmd.Execute(); err != nil {
		if a != nil {
			_ = a.close()
		}
		fmt.Fprintln(os.Stderr, color.RedString("error:"), describeError(err))
		os.Exit(1)
	}
}
