package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/session"
	"github.com/kandev/conductor/internal/session/models"
)

func runCmd(appRef func() *app) *cobra.Command {
	var req session.CreateRequest
	var projectRef, mode string
	var once bool

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Start a session and converse with its agent",
		Long: `Start a session in a fresh worktree of the project and converse with the agent.
The prompt is read from the argument, or from stdin when omitted. After each turn
another message can be typed; an empty line or /quit ends the conversation.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			in := newLines(os.Stdin)
			prompt := ""
			if len(args) > 0 {
				prompt = args[0]
			} else {
				fmt.Print(bold(cyan("prompt › ")))
				line, err := in.next(ctx)
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				prompt = line
			}

			p, err := projectForRun(cmd, a, projectRef)
			if err != nil {
				return err
			}
			if err := a.start(ctx); err != nil {
				return err
			}

			req.Prompt = prompt
			req.ProjectID = p.ID
			req.PermissionMode = models.PermissionMode(mode)

			c := newConversation(a)
			defer c.close()

			res, err := a.svc.CreateSession(ctx, req)
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(os.Stderr, yellow("warning:"), w)
			}
			fmt.Printf("%s %s on %s (%s)\n", dim("session"), bold(res.Session.Name), res.Session.BranchName, shortID(res.Session.ID))
			fmt.Println(dim("worktree " + res.Session.WorktreePath))

			return c.run(ctx, res.Session.ID, in, once)
		},
	}
	cmd.Flags().StringVarP(&projectRef, "project", "p", "", "Project id or name (default: active project)")
	cmd.Flags().StringVarP(&req.Name, "name", "n", "", "Session name (default: derived from the prompt)")
	cmd.Flags().StringVar(&req.WorktreeName, "worktree", "", "Desired worktree name")
	cmd.Flags().StringVar(&mode, "permission-mode", "", "auto-approve or auto-deny (default: project setting)")
	cmd.Flags().BoolVar(&req.IsMainRepo, "main", false, "Work directly in the project checkout instead of a worktree")
	cmd.Flags().BoolVar(&req.AutoCommit, "auto-commit", true, "Commit the agent's changes after every turn")
	cmd.Flags().BoolVar(&once, "once", false, "Exit after the first turn")
	return cmd
}

func resumeCmd(appRef func() *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "resume <id> [message]",
		Short: "Continue a session's conversation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appRef()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id, err := resolveSessionID(cmd, a, args[0])
			if err != nil {
				return err
			}
			if err := a.start(ctx); err != nil {
				return err
			}

			msgs, err := a.svc.GetConversationMessages(ctx, id)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(os.Stdout, m)
			}

			in := newLines(os.Stdin)
			message := ""
			if len(args) > 1 {
				message = args[1]
			} else {
				fmt.Print(bold(cyan("you › ")))
				if message, err = in.next(ctx); err != nil && !errors.Is(err, io.EOF) {
					return err
				}
			}
			if message == "" {
				return nil
			}

			c := newConversation(a)
			defer c.close()
			c.seen = len(msgs)

			if _, err := a.svc.ContinueConversation(ctx, id, message); err != nil {
				return err
			}
			return c.run(ctx, id, in, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Exit after the turn completes")
	return cmd
}

// conversation follows one session: it waits for each turn to end, prints what the
// agent said and recorded, and reads the next message.
type conversation struct {
	app   *app
	turns chan models.SessionStatus
	tools chan string
	sub   bus.Subscription
	seen  int
	execs int
}

func newConversation(a *app) *conversation {
	return &conversation{
		app:   a,
		turns: make(chan models.SessionStatus, 16),
		tools: make(chan string, 64),
	}
}

func (c *conversation) subscribe(id string) error {
	if c.sub != nil {
		return nil
	}
	sub, err := c.app.svc.SubscribeSession(id, func(_ context.Context, e *bus.Event) error {
		switch e.Type {
		case events.SessionStatusChanged:
			status := models.SessionStatus(fmt.Sprint(e.Data["new_status"]))
			if turnEnded(status) {
				select {
				case c.turns <- status:
				default:
				}
			}
		case events.SessionOutput:
			if tool, ok := e.Data["tool_name"].(string); ok {
				select {
				case c.tools <- tool:
				default:
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *conversation) close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *conversation) run(ctx context.Context, id string, in *lines, once bool) error {
	if err := c.subscribe(id); err != nil {
		return err
	}
	for {
		status, err := c.awaitTurn(ctx, id)
		if err != nil {
			return c.stop(id, err)
		}
		if err := c.flush(ctx, id); err != nil {
			return err
		}
		switch status {
		case models.SessionStatusError, models.SessionStatusArchived, models.SessionStatusCompleted:
			s, err := c.app.svc.GetSession(ctx, id)
			if err == nil {
				fmt.Printf("%s %s\n", statusColor(s.Status), s.StatusMessage)
			}
			return nil
		}
		if once {
			return c.stop(id, nil)
		}

		fmt.Print(bold(cyan("you › ")))
		message, err := in.next(ctx)
		if errors.Is(err, context.Canceled) {
			return c.stop(id, err)
		}
		if err != nil || message == "" || message == "/quit" {
			return c.stop(id, nil)
		}
		if _, err := c.app.svc.ContinueConversation(ctx, id, message); err != nil {
			return err
		}
	}
}

// awaitTurn blocks until the running turn ends, printing tool calls as they happen.
// Bus events only prompt a re-read of the stored status, so a late event from an
// earlier turn cannot end this one.
func (c *conversation) awaitTurn(ctx context.Context, id string) (models.SessionStatus, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		s, err := c.app.svc.GetSession(ctx, id)
		if err != nil {
			return "", err
		}
		if turnEnded(s.Status) {
			return s.Status, nil
		}

		select {
		case <-c.turns:
		case tool := <-c.tools:
			fmt.Println(dim("  ⚙ " + tool))
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func turnEnded(status models.SessionStatus) bool {
	switch status {
	case models.SessionStatusWaitingForInput, models.SessionStatusCompleted,
		models.SessionStatusError, models.SessionStatusArchived:
		return true
	}
	return false
}

// flush prints messages and executions recorded since the last flush.
func (c *conversation) flush(ctx context.Context, id string) error {
	msgs, err := c.app.svc.GetConversationMessages(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range msgs[min(c.seen, len(msgs)):] {
		if m.Role == models.MessageRoleUser {
			continue
		}
		printMessage(os.Stdout, m)
	}
	c.seen = len(msgs)

	execs, err := c.app.svc.ListExecutions(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range execs[min(c.execs, len(execs)):] {
		fmt.Printf("%s turn %d: %s %s\n", dim("●"), e.Sequence, e.DiffSummary, dim(shortHash(e.CommitHash)))
	}
	c.execs = len(execs)
	return nil
}

// stop ends the agent so the session can be resumed later.
func (c *conversation) stop(id string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := c.app.svc.StopSession(ctx, id); err != nil && cause == nil {
		return err
	}
	if errors.Is(cause, context.Canceled) {
		fmt.Println()
		fmt.Println(dim("stopped; continue with: conductor resume " + shortID(id)))
		return nil
	}
	return cause
}

// lines feeds stdin to the prompt one line at a time so a pending read can be
// abandoned on interrupt.
type lines struct {
	ch  chan string
	err error
}

func newLines(r io.Reader) *lines {
	l := &lines{ch: make(chan string)}
	go func() {
		defer close(l.ch)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			l.ch <- strings.TrimSpace(sc.Text())
		}
		l.err = sc.Err()
	}()
	return l
}

// next returns the next line, or io.EOF once stdin is exhausted.
func (l *lines) next(ctx context.Context) (string, error) {
	select {
	case line, ok := <-l.ch:
		if !ok {
			if l.err != nil {
				return "", l.err
			}
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
