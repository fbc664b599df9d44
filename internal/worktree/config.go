package worktree

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the base directory for worktree storage. Supports ~ expansion.
	BasePath string `mapstructure:"basePath"`

	// BranchPrefix is prepended to every session branch name.
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "conductor/"

// Validate fills defaults and rejects unsafe prefixes.
func (c *Config) Validate() error {
	c.BranchPrefix = NormalizeBranchPrefix(c.BranchPrefix)
	if err := ValidateBranchPrefix(c.BranchPrefix); err != nil {
		return err
	}
	if c.BasePath == "" {
		c.BasePath = "~/.conductor/worktrees"
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded to the user's home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreeRoot returns the directory a project's worktrees are created in:
// the project's own worktree folder when set, otherwise a per-project directory
// under the base path.
func (c *Config) WorktreeRoot(project ProjectRef) (string, error) {
	if project.WorktreeFolder != "" {
		return project.WorktreeFolder, nil
	}
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	dir := SanitizeForBranch(project.Name, 30)
	if dir == "" {
		dir = "project"
	}
	id := project.ID
	if len(id) > 8 {
		id = id[:8]
	}
	if id != "" {
		dir += "-" + id
	}
	return filepath.Join(basePath, dir), nil
}

// BranchName returns the branch used for a worktree name.
func (c *Config) BranchName(name string) string {
	return c.BranchPrefix + name
}

var consecutiveHyphens = regexp.MustCompile(`-+`)

// SanitizeForBranch converts free text into a valid git branch name component:
// lowercase, alphanumerics and single hyphens only, at most maxLen characters.
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := consecutiveHyphens.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}

// NormalizeBranchPrefix trims and falls back to the default prefix.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix %q", prefix)
	}
	return nil
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a random lowercase alphanumeric suffix of n characters.
func SmallSuffix(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", n)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}
