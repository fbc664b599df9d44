// Package errors provides the error taxonomy shared by the orchestration engine.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes as constants
const (
	ErrCodeWorktreeCreation             = "WORKTREE_CREATION"
	ErrCodeGitOperation                 = "GIT_OPERATION"
	ErrCodeProcessSpawn                 = "PROCESS_SPAWN"
	ErrCodeProcessCrash                 = "PROCESS_CRASH"
	ErrCodeProcessNotFound              = "PROCESS_NOT_FOUND"
	ErrCodeSessionNotFound              = "SESSION_NOT_FOUND"
	ErrCodeSessionArchived              = "SESSION_ARCHIVED"
	ErrCodePermissionChannelUnavailable = "PERMISSION_CHANNEL_UNAVAILABLE"
	ErrCodeQueueOperationFailed         = "QUEUE_OPERATION_FAILED"
	ErrCodeNotFound                     = "NOT_FOUND"
	ErrCodeValidationError              = "VALIDATION_ERROR"
	ErrCodeInternalError                = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`

	// ConflictFiles lists the paths git reported as conflicting, for GIT_OPERATION errors.
	ConflictFiles []string `json:"conflict_files,omitempty"`
	// ExitCode is the subprocess exit status, for PROCESS_CRASH errors.
	ExitCode int `json:"exit_code,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WorktreeCreation reports a name/path collision or filesystem failure while creating a worktree.
func WorktreeCreation(message string, err error) *AppError {
	return &AppError{Code: ErrCodeWorktreeCreation, Message: message, Err: err}
}

// GitOperation reports a failed git operation. Conflicting files, if any, are attached.
func GitOperation(operation string, err error, conflictFiles []string) *AppError {
	msg := fmt.Sprintf("git %s failed", operation)
	if len(conflictFiles) > 0 {
		msg = fmt.Sprintf("git %s hit conflicts in %s", operation, strings.Join(conflictFiles, ", "))
	}
	return &AppError{Code: ErrCodeGitOperation, Message: msg, Err: err, ConflictFiles: conflictFiles}
}

// ProcessSpawn reports an agent executable that could not be launched.
func ProcessSpawn(executable string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeProcessSpawn,
		Message: fmt.Sprintf("failed to launch agent executable '%s'", executable),
		Err:     err,
	}
}

// ProcessCrash reports an agent process that exited unexpectedly.
func ProcessCrash(sessionID string, exitCode int, detail string) *AppError {
	msg := fmt.Sprintf("agent for session '%s' exited with code %d", sessionID, exitCode)
	if detail != "" {
		msg += ": " + detail
	}
	return &AppError{Code: ErrCodeProcessCrash, Message: msg, ExitCode: exitCode}
}

// ProcessNotFound reports an operation on a session without a live process.
func ProcessNotFound(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeProcessNotFound,
		Message: fmt.Sprintf("no live agent process for session '%s'", sessionID),
	}
}

// SessionNotFound reports an unknown session id.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeSessionNotFound,
		Message: fmt.Sprintf("session with id '%s' not found", sessionID),
	}
}

// SessionArchived reports an operation on an archived session.
func SessionArchived(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeSessionArchived,
		Message: fmt.Sprintf("session '%s' is archived", sessionID),
	}
}

// PermissionChannelUnavailable reports that permission-gated actions are being denied
// because the permission channel is not running.
func PermissionChannelUnavailable(err error) *AppError {
	return &AppError{
		Code:    ErrCodePermissionChannelUnavailable,
		Message: "permission channel unavailable, permission requests are denied",
		Err:     err,
	}
}

// QueueOperationFailed wraps the failure of a queued operation.
func QueueOperationFailed(key string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeQueueOperationFailed,
		Message: fmt.Sprintf("queued operation for '%s' failed", key),
		Err:     err,
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationError,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:          appErr.Code,
			Message:       fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:           err,
			ConflictFiles: appErr.ConflictFiles,
			ExitCode:      appErr.ExitCode,
		}
	}

	return &AppError{Code: ErrCodeInternalError, Message: message, Err: err}
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// Code returns the innermost AppError code in err's chain, or "" when there is none.
// QUEUE_OPERATION_FAILED is skipped so callers see the cause.
func Code(err error) string {
	code := ""
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			break
		}
		if appErr.Code != ErrCodeQueueOperationFailed {
			code = appErr.Code
		}
		err = appErr.Err
	}
	return code
}

func IsWorktreeCreation(err error) bool { return HasCode(err, ErrCodeWorktreeCreation) }
func IsGitOperation(err error) bool     { return HasCode(err, ErrCodeGitOperation) }
func IsProcessSpawn(err error) bool     { return HasCode(err, ErrCodeProcessSpawn) }
func IsProcessCrash(err error) bool     { return HasCode(err, ErrCodeProcessCrash) }
func IsProcessNotFound(err error) bool  { return HasCode(err, ErrCodeProcessNotFound) }
func IsSessionNotFound(err error) bool  { return HasCode(err, ErrCodeSessionNotFound) }
func IsSessionArchived(err error) bool  { return HasCode(err, ErrCodeSessionArchived) }
func IsQueueOperationFailed(err error) bool {
	return HasCode(err, ErrCodeQueueOperationFailed)
}
func IsPermissionChannelUnavailable(err error) bool {
	return HasCode(err, ErrCodePermissionChannelUnavailable)
}

// IsNotFound checks if the error is a not found error of any kind.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound) || HasCode(err, ErrCodeSessionNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidationError)
}

// ConflictFiles returns the conflict files carried by a GIT_OPERATION error in err's chain.
func ConflictFiles(err error) []string {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return nil
		}
		if appErr.Code == ErrCodeGitOperation && len(appErr.ConflictFiles) > 0 {
			return appErr.ConflictFiles
		}
		err = appErr.Err
	}
	return nil
}
