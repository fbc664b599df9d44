// Package models defines the session data model and its state machine.
package models

import (
	"time"
)

// PermissionMode governs how an agent's permission requests are answered.
type PermissionMode string

const (
	PermissionModeAutoApprove PermissionMode = "auto-approve"
	PermissionModeAutoDeny    PermissionMode = "auto-deny"
)

// Valid reports whether m is a known permission mode.
func (m PermissionMode) Valid() bool {
	return m == PermissionModeAutoApprove || m == PermissionModeAutoDeny
}

// Session is one orchestrated conversation with an agent bound to one working tree.
type Session struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	ProjectID      string         `json:"project_id" yaml:"project_id"`
	Prompt         string         `json:"prompt" yaml:"prompt"`
	WorktreePath   string         `json:"worktree_path" yaml:"worktree_path"`
	BranchName     string         `json:"branch_name" yaml:"branch_name"`
	BaseCommit     string         `json:"base_commit,omitempty" yaml:"base_commit,omitempty"`
	PermissionMode PermissionMode `json:"permission_mode" yaml:"permission_mode"`
	Status         SessionStatus  `json:"status" yaml:"status"`
	StatusMessage  string         `json:"status_message,omitempty" yaml:"status_message,omitempty"`
	IsMainRepo     bool           `json:"is_main_repo" yaml:"is_main_repo"`
	AutoCommit     bool           `json:"auto_commit" yaml:"auto_commit"`
	FolderID       *string        `json:"folder_id,omitempty" yaml:"folder_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
	ArchivedAt     *time.Time     `json:"archived_at,omitempty" yaml:"archived_at,omitempty"`
}

// IsArchived reports whether the session has been archived.
func (s *Session) IsArchived() bool {
	return s.Status == SessionStatusArchived
}

// Project is a version-controlled root directory sessions are created in.
type Project struct {
	ID                    string         `json:"id" yaml:"id"`
	Name                  string         `json:"name" yaml:"name"`
	Path                  string         `json:"path" yaml:"path"`
	MainBranch            string         `json:"main_branch" yaml:"main_branch"`
	RunScript             string         `json:"run_script,omitempty" yaml:"run_script,omitempty"`
	BuildScript           string         `json:"build_script,omitempty" yaml:"build_script,omitempty"`
	SystemPrompt          string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	DefaultPermissionMode PermissionMode `json:"default_permission_mode" yaml:"default_permission_mode"`
	WorktreeFolder        string         `json:"worktree_folder,omitempty" yaml:"worktree_folder,omitempty"`
	Active                bool           `json:"active" yaml:"active"`
	CreatedAt             time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Execution is the immutable record of one completed agent turn.
type Execution struct {
	ID           string    `json:"id" yaml:"id"`
	SessionID    string    `json:"session_id" yaml:"session_id"`
	Sequence     int       `json:"sequence" yaml:"sequence"`
	CommitHash   *string   `json:"commit_hash,omitempty" yaml:"commit_hash,omitempty"`
	BaseCommit   string    `json:"base_commit" yaml:"base_commit"`
	DiffSummary  string    `json:"diff_summary" yaml:"diff_summary"`
	Diff         string    `json:"diff,omitempty" yaml:"-"`
	FilesChanged int       `json:"files_changed" yaml:"files_changed"`
	Additions    int       `json:"additions" yaml:"additions"`
	Deletions    int       `json:"deletions" yaml:"deletions"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
}

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	MessageRoleUser   MessageRole = "user"
	MessageRoleAgent  MessageRole = "agent"
	MessageRoleSystem MessageRole = "system"
)

// ConversationMessage is one turn of dialogue.
type ConversationMessage struct {
	ID        string      `json:"id" yaml:"id"`
	SessionID string      `json:"session_id" yaml:"session_id"`
	Role      MessageRole `json:"role" yaml:"role"`
	Content   string      `json:"content" yaml:"content"`
	Sequence  int         `json:"sequence" yaml:"sequence"`
	Timestamp time.Time   `json:"timestamp" yaml:"timestamp"`
}

// OutputType classifies a raw session output record.
type OutputType string

const (
	OutputTypeStdout OutputType = "stdout"
	OutputTypeStderr OutputType = "stderr"
	OutputTypeEvent  OutputType = "event"
	OutputTypeSystem OutputType = "system"
)

// SessionOutput is one raw record of what a session's agent (or conductor) emitted.
type SessionOutput struct {
	SessionID string     `json:"session_id" yaml:"session_id"`
	Sequence  int        `json:"sequence" yaml:"sequence"`
	Type      OutputType `json:"type" yaml:"type"`
	Data      string     `json:"data" yaml:"data"`
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`
}
