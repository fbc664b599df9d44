// Package scripts runs project build and run scripts inside a session's working tree.
package scripts

import (
	"sort"
	"strings"
)

// Placeholders available to project scripts.
const (
	PlaceholderProjectPath  = "project.path"
	PlaceholderProjectName  = "project.name"
	PlaceholderWorktreePath = "worktree.path"
	PlaceholderBranch       = "worktree.branch"
	PlaceholderSessionID    = "session.id"
	PlaceholderSessionName  = "session.name"
)

// Resolve replaces {{key}} placeholders in script. Unknown placeholders are left as-is.
func Resolve(script string, vars map[string]string) string {
	if script == "" || len(vars) == 0 {
		return script
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(script)
}
