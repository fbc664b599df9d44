package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueWrappingKeepsCause(t *testing.T) {
	cause := SessionArchived("s1")
	err := QueueOperationFailed("s1", cause)

	assert.True(t, IsQueueOperationFailed(err))
	assert.True(t, IsSessionArchived(err))
	assert.False(t, IsSessionNotFound(err))
	assert.Equal(t, ErrCodeSessionArchived, Code(err))
	assert.True(t, errors.Is(err, cause))
}

func TestHasCodeThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("continue: %w", ProcessNotFound("s2"))
	assert.True(t, IsProcessNotFound(err))
	assert.Equal(t, ErrCodeProcessNotFound, Code(err))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeProcessNotFound))
	assert.Equal(t, "", Code(errors.New("plain")))
}

func TestGitOperationConflictFiles(t *testing.T) {
	err := GitOperation("rebase", errors.New("exit status 1"), []string{"a.go", "b.go"})
	wrapped := QueueOperationFailed("s3", Wrap(err, "rebase session"))

	assert.True(t, IsGitOperation(wrapped))
	assert.Equal(t, []string{"a.go", "b.go"}, ConflictFiles(wrapped))
	assert.Contains(t, err.Error(), "a.go, b.go")
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "noop"))

	plain := Wrap(errors.New("disk full"), "persist")
	assert.Equal(t, ErrCodeInternalError, plain.Code)

	crash := Wrap(ProcessCrash("s4", 2, "boom"), "turn")
	assert.Equal(t, ErrCodeProcessCrash, crash.Code)
	assert.Equal(t, 2, crash.ExitCode)
}
