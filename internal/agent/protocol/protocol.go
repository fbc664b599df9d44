// Package protocol defines the line-delimited JSON messages exchanged with agent processes.
//
// The supervisor writes user-input lines to the agent's stdin. The agent writes one
// event per stdout line; every event is one of Message, ToolCall, TurnComplete or Error.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire type tags.
const (
	TypeUserInput    = "user-input"
	TypeMessage      = "message"
	TypeToolCall     = "tool-call"
	TypeTurnComplete = "turn-complete"
	TypeError        = "error"
)

// ErrUnknownType is returned for well-formed lines carrying an unrecognized type.
var ErrUnknownType = errors.New("unknown event type")

// Event is an agent output event. The set of implementations is closed.
type Event interface {
	Type() string
	isEvent()
}

// Message is text authored by the agent.
type Message struct {
	Role string
	Text string
}

// ToolCall announces a tool invocation by the agent.
type ToolCall struct {
	Name  string
	Input json.RawMessage
}

// TurnComplete marks the end of the agent's response to one user input.
type TurnComplete struct{}

// Error reports an agent-side failure.
type Error struct {
	Message string
}

func (Message) Type() string      { return TypeMessage }
func (ToolCall) Type() string     { return TypeToolCall }
func (TurnComplete) Type() string { return TypeTurnComplete }
func (Error) Type() string        { return TypeError }

func (Message) isEvent()      {}
func (ToolCall) isEvent()     {}
func (TurnComplete) isEvent() {}
func (Error) isEvent()        {}

// UserInput is the only message sent to the agent.
type UserInput struct {
	Text string
}

// envelope is the union of all wire fields.
type envelope struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ParseLine decodes one stdout line into an Event.
func ParseLine(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch env.Type {
	case TypeMessage:
		role := env.Role
		if role == "" {
			role = "agent"
		}
		return Message{Role: role, Text: env.Text}, nil
	case TypeToolCall:
		if env.Name == "" {
			return nil, fmt.Errorf("decode event: tool-call without name")
		}
		return ToolCall{Name: env.Name, Input: env.Input}, nil
	case TypeTurnComplete:
		return TurnComplete{}, nil
	case TypeError:
		return Error{Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// EncodeEvent renders an event as one newline-terminated line.
func EncodeEvent(ev Event) ([]byte, error) {
	var env envelope
	switch e := ev.(type) {
	case Message:
		env = envelope{Type: TypeMessage, Role: e.Role, Text: e.Text}
	case ToolCall:
		env = envelope{Type: TypeToolCall, Name: e.Name, Input: e.Input}
	case TurnComplete:
		env = envelope{Type: TypeTurnComplete}
	case Error:
		env = envelope{Type: TypeError, Message: e.Message}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
	return marshalLine(env)
}

// EncodeUserInput renders a user-input line.
func EncodeUserInput(text string) ([]byte, error) {
	return marshalLine(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: TypeUserInput, Text: text})
}

// ParseUserInput decodes a stdin line written by EncodeUserInput.
func ParseUserInput(line []byte) (UserInput, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return UserInput{}, fmt.Errorf("decode user input: %w", err)
	}
	if env.Type != TypeUserInput {
		return UserInput{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return UserInput{Text: env.Text}, nil
}

func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
