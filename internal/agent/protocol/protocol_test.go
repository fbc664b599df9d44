package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{"message", `{"type":"message","role":"agent","text":"hi"}`, Message{Role: "agent", Text: "hi"}},
		{"message default role", `{"type":"message","text":"hi"}`, Message{Role: "agent", Text: "hi"}},
		{"tool call", `{"type":"tool-call","name":"write_file","input":{"path":"a"}}`,
			ToolCall{Name: "write_file", Input: json.RawMessage(`{"path":"a"}`)}},
		{"turn complete", `{"type":"turn-complete"}`, TurnComplete{}},
		{"error", `{"type":"error","message":"boom"}`, Error{Message: "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLine_Rejects(t *testing.T) {
	_, err := ParseLine([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseLine([]byte(`{"type":"progress"}`))
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = ParseLine([]byte(`{"type":"tool-call"}`))
	assert.Error(t, err)
}

func TestEncodeEvent_ParsesBack(t *testing.T) {
	line, err := EncodeEvent(ToolCall{Name: "bash", Input: json.RawMessage(`{"cmd":"ls"}`)})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])

	ev, err := ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, TypeToolCall, ev.Type())
}

func TestUserInput(t *testing.T) {
	line, err := EncodeUserInput("do the thing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user-input","text":"do the thing"}`, string(line))

	in, err := ParseUserInput(line)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", in.Text)

	_, err = ParseUserInput([]byte(`{"type":"message"}`))
	assert.Error(t, err)
}
