package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kandev/conductor/internal/session"
)

func sessionCmd(appRef func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions", "s"},
		Short:   "Inspect and manage sessions",
	}

	// conductor session list
	var listProject string
	var listAll bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions of the active project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			projectID := ""
			if !listAll {
				p, err := projectForRun(cmd, a, listProject)
				if err != nil {
					return err
				}
				projectID = p.ID
			}
			sessions, err := a.svc.ListSessions(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			return printSessions(a.output, sessions)
		},
	}
	listCmd.Flags().StringVarP(&listProject, "project", "p", "", "Project id or name")
	listCmd.Flags().BoolVar(&listAll, "all", false, "List sessions of every project")

	// conductor session show <id>
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			s, err := a.svc.GetSession(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printSession(a.output, s)
		},
	}

	// conductor session messages <id>
	messagesCmd := &cobra.Command{
		Use:   "messages <id>",
		Short: "Print a session's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			msgs, err := a.svc.GetConversationMessages(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printMessages(a.output, msgs)
		},
	}

	// conductor session output <id>
	outputCmd := &cobra.Command{
		Use:     "output <id>",
		Aliases: []string{"log"},
		Short:   "Print a session's raw agent output",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			outputs, err := a.svc.GetSessionOutput(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printOutputs(a.output, outputs)
		},
	}

	// conductor session executions <id>
	executionsCmd := &cobra.Command{
		Use:     "executions <id>",
		Aliases: []string{"history"},
		Short:   "List the recorded turns of a session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			execs, err := a.svc.ListExecutions(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printExecutions(a.output, execs)
		},
	}

	// conductor session archive <id>
	var archiveOpts session.ArchiveOptions
	archiveCmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			s, err := a.svc.ArchiveSession(cmd.Context(), id, archiveOpts)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", statusColor(s.Status), s.Name)
			return nil
		},
	}
	archiveCmd.Flags().BoolVar(&archiveOpts.RemoveWorktree, "remove-worktree", false, "Delete the session's worktree")
	archiveCmd.Flags().BoolVar(&archiveOpts.DeleteBranch, "delete-branch", false, "Also delete the session branch (with --remove-worktree)")

	// conductor session rebase <id>
	rebaseCmd := &cobra.Command{
		Use:   "rebase <id>",
		Short: "Rebase a session branch onto the project's main branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			if err := a.svc.RebaseSession(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Println(green("rebased"))
			return nil
		},
	}

	// conductor session squash <id> [-m message]
	var squashMessage string
	squashCmd := &cobra.Command{
		Use:   "squash <id>",
		Short: "Squash a session branch into one commit on top of main",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			if err := a.svc.SquashSession(cmd.Context(), id, squashMessage); err != nil {
				return err
			}
			fmt.Println(green("squashed"))
			return nil
		},
	}
	squashCmd.Flags().StringVarP(&squashMessage, "message", "m", "", "Commit message (default: session name)")

	cmd.AddCommand(listCmd, showCmd, messagesCmd, outputCmd, executionsCmd, archiveCmd, rebaseCmd, squashCmd)
	return cmd
}

// resolveSessionID accepts a full session id or a unique prefix of at least four characters.
func resolveSessionID(cmd *cobra.Command, a *app, ref string) (string, error) {
	if _, err := a.svc.GetSession(cmd.Context(), ref); err == nil {
		return ref, nil
	}
	if len(ref) < 4 {
		return "", fmt.Errorf("session reference %q is too short", ref)
	}
	sessions, err := a.svc.ListSessions(cmd.Context(), "")
	if err != nil {
		return "", err
	}
	var match string
	for _, s := range sessions {
		if len(s.ID) >= len(ref) && s.ID[:len(ref)] == ref {
			if match != "" {
				return "", fmt.Errorf("session reference %q is ambiguous", ref)
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no session matches %q", ref)
	}
	return match, nil
}
