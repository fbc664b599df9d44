package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kandev/conductor/internal/project"
	"github.com/kandev/conductor/internal/session/models"
)

func projectCmd(appRef func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage projects",
	}

	// conductor project add <path>
	var add project.CreateProjectRequest
	var addMode string
	addCmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a project, initializing a git repository when needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			add.Path = args[0]
			add.DefaultPermissionMode = models.PermissionMode(addMode)
			p, err := a.svc.CreateProject(cmd.Context(), add)
			if err != nil {
				return err
			}
			if a.output != "table" {
				return render(os.Stdout, a.output, p, nil)
			}
			fmt.Printf("%s project %s (%s) on branch %s\n", green("added"), bold(p.Name), shortID(p.ID), p.MainBranch)
			return nil
		},
	}
	addCmd.Flags().StringVar(&add.Name, "name", "", "Project name (default: directory name)")
	addCmd.Flags().StringVar(&add.BuildScript, "build-script", "", "Script run in each new worktree")
	addCmd.Flags().StringVar(&add.RunScript, "run-script", "", "Script that runs the project")
	addCmd.Flags().StringVar(&add.SystemPrompt, "system-prompt", "", "System prompt passed to agents")
	addCmd.Flags().StringVar(&add.WorktreeFolder, "worktree-folder", "", "Directory for this project's worktrees")
	addCmd.Flags().StringVar(&addMode, "permission-mode", "", "Default permission mode: auto-approve or auto-deny")
	addCmd.Flags().BoolVar(&add.Activate, "activate", false, "Make this the active project")

	// conductor project list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			projects, err := a.svc.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			return printProjects(a.output, projects)
		},
	}

	// conductor project use <id>
	useCmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Make a project the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveProjectID(cmd, a, args[0])
			if err != nil {
				return err
			}
			p, err := a.svc.SetActiveProject(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("active project is now %s\n", bold(p.Name))
			return nil
		},
	}

	// conductor project set <id> --build-script ...
	setCmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Change project settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			id, err := resolveProjectID(cmd, a, args[0])
			if err != nil {
				return err
			}
			req := project.UpdateProjectRequest{}
			flags := cmd.Flags()
			for name, target := range map[string]**string{
				"name":            &req.Name,
				"main-branch":     &req.MainBranch,
				"build-script":    &req.BuildScript,
				"run-script":      &req.RunScript,
				"system-prompt":   &req.SystemPrompt,
				"worktree-folder": &req.WorktreeFolder,
			} {
				if flags.Changed(name) {
					v, _ := flags.GetString(name)
					*target = &v
				}
			}
			if flags.Changed("permission-mode") {
				v, _ := flags.GetString("permission-mode")
				mode := models.PermissionMode(v)
				req.DefaultPermissionMode = &mode
			}
			p, err := a.svc.UpdateProject(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			return render(os.Stdout, outputOrYAML(a.output), p, nil)
		},
	}
	for _, name := range []string{"name", "main-branch", "build-script", "run-script", "system-prompt", "worktree-folder", "permission-mode"} {
		setCmd.Flags().String(name, "", "New "+name)
	}

	cmd.AddCommand(addCmd, listCmd, useCmd, setCmd)
	return cmd
}

// resolveProjectID accepts a full id, an id prefix or a project name.
func resolveProjectID(cmd *cobra.Command, a *app, ref string) (string, error) {
	projects, err := a.svc.ListProjects(cmd.Context())
	if err != nil {
		return "", err
	}
	var match string
	for _, p := range projects {
		if p.ID == ref || p.Name == ref {
			return p.ID, nil
		}
		if len(ref) >= 4 && len(p.ID) >= len(ref) && p.ID[:len(ref)] == ref {
			if match != "" {
				return "", fmt.Errorf("project reference %q is ambiguous", ref)
			}
			match = p.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no project matches %q", ref)
	}
	return match, nil
}

// projectForRun picks the --project flag's project, else the active one.
func projectForRun(cmd *cobra.Command, a *app, ref string) (*models.Project, error) {
	if ref == "" {
		p, err := a.svc.ActiveProject(cmd.Context())
		if err != nil {
			return nil, fmt.Errorf("no active project; pass --project or run 'conductor project use': %w", err)
		}
		return p, nil
	}
	id, err := resolveProjectID(cmd, a, ref)
	if err != nil {
		return nil, err
	}
	return a.svc.GetProject(cmd.Context(), id)
}

func outputOrYAML(format string) string {
	if format == "table" {
		return "yaml"
	}
	return format
}
