package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/session/models"
)

var (
	dim     = color.New(color.Faint).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
)

func validOutput(format string) bool {
	switch format {
	case "table", "json", "yaml":
		return true
	}
	return false
}

// render writes v as json or yaml, or calls table for the table format.
func render(w io.Writer, format string, v any, table func(tw *tabwriter.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(v)
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func statusColor(status models.SessionStatus) string {
	s := string(status)
	switch status {
	case models.SessionStatusRunning, models.SessionStatusReady, models.SessionStatusInitializing:
		return cyan(s)
	case models.SessionStatusWaitingForInput:
		return yellow(s)
	case models.SessionStatusCompleted:
		return green(s)
	case models.SessionStatusError:
		return red(s)
	default:
		return dim(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortHash(hash *string) string {
	if hash == nil {
		return "-"
	}
	if len(*hash) > 10 {
		return (*hash)[:10]
	}
	return *hash
}

func ago(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02")
	}
}

func printSessions(format string, sessions []*models.Session) error {
	return render(os.Stdout, format, sessions, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, bold("ID\tNAME\tSTATUS\tBRANCH\tUPDATED"))
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(s.ID), s.Name, statusColor(s.Status), s.BranchName, ago(s.UpdatedAt))
		}
	})
}

func printSession(format string, s *models.Session) error {
	return render(os.Stdout, format, s, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID:\t%s\n", s.ID)
		fmt.Fprintf(tw, "Name:\t%s\n", s.Name)
		fmt.Fprintf(tw, "Status:\t%s\n", statusColor(s.Status))
		if s.StatusMessage != "" {
			fmt.Fprintf(tw, "Message:\t%s\n", s.StatusMessage)
		}
		fmt.Fprintf(tw, "Worktree:\t%s\n", s.WorktreePath)
		fmt.Fprintf(tw, "Branch:\t%s\n", s.BranchName)
		fmt.Fprintf(tw, "Permissions:\t%s\n", s.PermissionMode)
		fmt.Fprintf(tw, "Auto-commit:\t%t\n", s.AutoCommit)
		fmt.Fprintf(tw, "Created:\t%s\n", s.CreatedAt.Local().Format(time.RFC3339))
		if s.ArchivedAt != nil {
			fmt.Fprintf(tw, "Archived:\t%s\n", s.ArchivedAt.Local().Format(time.RFC3339))
		}
	})
}

func printProjects(format string, projects []*models.Project) error {
	return render(os.Stdout, format, projects, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, bold("\tID\tNAME\tMAIN\tPERMISSIONS\tPATH"))
		for _, p := range projects {
			marker := " "
			if p.Active {
				marker = green("*")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", marker, shortID(p.ID), p.Name, p.MainBranch, p.DefaultPermissionMode, p.Path)
		}
	})
}

func printExecutions(format string, execs []*models.Execution) error {
	return render(os.Stdout, format, execs, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, bold("#\tCOMMIT\tBASE\tCHANGES\tWHEN"))
		for _, e := range execs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Sequence, shortHash(e.CommitHash), shortHash(&e.BaseCommit), e.DiffSummary, ago(e.Timestamp))
		}
	})
}

func printMessages(format string, msgs []*models.ConversationMessage) error {
	if format != "table" {
		return render(os.Stdout, format, msgs, nil)
	}
	for _, m := range msgs {
		printMessage(os.Stdout, m)
	}
	return nil
}

func printMessage(w io.Writer, m *models.ConversationMessage) {
	switch m.Role {
	case models.MessageRoleUser:
		fmt.Fprintf(w, "%s %s\n", bold(cyan("you ›")), m.Content)
	case models.MessageRoleAgent:
		fmt.Fprintf(w, "%s %s\n", bold(magenta("agent ›")), m.Content)
	default:
		fmt.Fprintf(w, "%s\n", dim(m.Content))
	}
}

func printOutputs(format string, outputs []*models.SessionOutput) error {
	if format != "table" {
		return render(os.Stdout, format, outputs, nil)
	}
	for _, o := range outputs {
		line := strings.TrimRight(o.Data, "\n")
		switch o.Type {
		case models.OutputTypeStderr:
			fmt.Fprintln(os.Stdout, red(line))
		case models.OutputTypeSystem:
			fmt.Fprintln(os.Stdout, yellow(line))
		case models.OutputTypeEvent:
			fmt.Fprintln(os.Stdout, dim(line))
		default:
			fmt.Fprintln(os.Stdout, line)
		}
	}
	return nil
}

// describeError renders an engine error for the terminal.
func describeError(err error) string {
	msg := err.Error()
	if files := apperrors.ConflictFiles(err); len(files) > 0 {
		msg += "\nconflicting files:\n  " + strings.Join(files, "\n  ")
	}
	if code := apperrors.Code(err); code != "" {
		msg = fmt.Sprintf("[%s] %s", code, msg)
	}
	return msg
}
