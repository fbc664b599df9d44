// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// PermissionRequestTimeout bounds how long a permission request may wait for a
	// decision before it resolves to deny.
	PermissionRequestTimeout = 30 * time.Second

	// PermissionReadTimeout is the read deadline for a single permission request line.
	PermissionReadTimeout = 10 * time.Second

	// DefaultKillGrace is how long a supervised agent gets after SIGTERM before SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// GitCommandTimeout bounds a single git invocation.
	GitCommandTimeout = 2 * time.Minute

	// ScriptTimeout is the maximum time a project build or run script may take.
	ScriptTimeout = 5 * time.Minute

	// ShutdownTimeout bounds graceful shutdown of the orchestrator.
	ShutdownTimeout = 30 * time.Second
)
