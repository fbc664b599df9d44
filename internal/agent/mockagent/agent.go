// Package mockagent implements a scripted agent that speaks the boundary protocol.
// It backs the mock-agent binary and the end-to-end tests.
//
// Each user input is one command:
//
//	/write <path> <content>  request permission, then write the file
//	/error <text>            emit a non-fatal error event
//	/crash [code]            emit an error event and exit nonzero
//	/slow <duration>         sleep, then reply
//	/ignore-term             ignore SIGTERM and stdin EOF from now on
//	/garbage                 emit unparsable output, then reply
//	/exit                    reply, then exit cleanly
//
// Anything else is acknowledged with a message.
package mockagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kandev/conductor/internal/agent/protocol"
	"github.com/kandev/conductor/internal/permission"
)

// Env holds the environment the supervisor passes to an agent.
type Env struct {
	SessionID        string
	PermissionSocket string
	PermissionMode   string
}

// EnvFromOS reads the agent environment from the process environment.
func EnvFromOS() Env {
	return Env{
		SessionID:        os.Getenv("CONDUCTOR_SESSION_ID"),
		PermissionSocket: os.Getenv("CONDUCTOR_PERMISSION_SOCKET"),
		PermissionMode:   os.Getenv("CONDUCTOR_PERMISSION_MODE"),
	}
}

type agent struct {
	env    Env
	out    io.Writer
	errOut io.Writer
	perm   *permission.Client

	// stubborn agents keep running after stdin closes, until killed
	stubborn bool
}

// Run serves user inputs from in until EOF and returns the process exit code.
func Run(env Env, in io.Reader, out, errOut io.Writer) int {
	a := &agent{
		env:    env,
		out:    out,
		errOut: errOut,
		perm:   permission.NewClient(env.PermissionSocket, 5*time.Second),
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		input, err := protocol.ParseUserInput(line)
		if err != nil {
			_, _ = fmt.Fprintf(errOut, "mock-agent: ignoring input: %v\n", err)
			continue
		}
		if code, exit := a.handle(strings.TrimSpace(input.Text)); exit {
			return code
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(errOut, "mock-agent: scanner error: %v\n", err)
		return 1
	}
	if a.stubborn {
		time.Sleep(time.Hour)
	}
	return 0
}

// handle runs one command. It returns the exit code and whether the agent should exit.
func (a *agent) handle(text string) (int, bool) {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/write":
		a.write(arg)
	case "/error":
		a.emit(protocol.Error{Message: arg})
	case "/crash":
		code := 3
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			code = n
		}
		a.emit(protocol.Error{Message: "simulated crash"})
		_, _ = fmt.Fprintln(a.errOut, "mock-agent: crashing on request")
		return code, true
	case "/slow":
		d, err := time.ParseDuration(arg)
		if err != nil {
			d = time.Second
		}
		time.Sleep(d)
		a.say(fmt.Sprintf("done after %s", d))
	case "/ignore-term":
		signal.Ignore(syscall.SIGTERM)
		a.stubborn = true
		a.say("ignoring SIGTERM")
	case "/garbage":
		_, _ = io.WriteString(a.out, "this is not json\n")
		_, _ = io.WriteString(a.out, `{"type":"progress","percent":50}`+"\n")
		a.say("after garbage")
	case "/exit":
		a.say("bye")
		a.emit(protocol.TurnComplete{})
		return 0, true
	default:
		a.say("ack: " + text)
	}

	a.emit(protocol.TurnComplete{})
	return 0, false
}

// write asks for permission to create a file and creates it when approved.
func (a *agent) write(arg string) {
	path, content, _ := strings.Cut(arg, " ")
	if path == "" {
		a.emit(protocol.Error{Message: "usage: /write <path> <content>"})
		return
	}

	input, _ := json.Marshal(map[string]string{"path": path, "content": content})
	a.emit(protocol.ToolCall{Name: "write_file", Input: input})

	resp, err := a.perm.Request(context.Background(), permission.Request{
		SessionID: a.env.SessionID,
		ToolName:  "write_file",
		Input:     input,
	})
	if err != nil {
		_, _ = fmt.Fprintf(a.errOut, "mock-agent: permission request failed: %v\n", err)
	}
	if !resp.Approved() {
		a.say(fmt.Sprintf("permission denied for %s: %s", path, resp.Reason))
		return
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.emit(protocol.Error{Message: err.Error()})
			return
		}
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		a.emit(protocol.Error{Message: err.Error()})
		return
	}
	a.say("wrote " + path)
}

func (a *agent) say(text string) {
	a.emit(protocol.Message{Role: "agent", Text: text})
}

func (a *agent) emit(ev protocol.Event) {
	line, err := protocol.EncodeEvent(ev)
	if err != nil {
		_, _ = fmt.Fprintf(a.errOut, "mock-agent: encode: %v\n", err)
		return
	}
	_, _ = a.out.Write(line)
}
