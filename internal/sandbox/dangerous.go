package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// defaultMandatoryDenySearchDepth bounds how deep below cwd the mandatory
// deny patterns search when a policy doesn't set mandatoryDenySearchDepth.
const defaultMandatoryDenySearchDepth = 3

// DangerousFiles lists files that should be protected from writes.
// These files can be used for code execution or data exfiltration.
var DangerousFiles = []string{
	".gitconfig",
	".gitmodules",
	".bashrc",
	".bash_profile",
	".zshrc",
	".zprofile",
	".zshenv",
	".zlogin",
	".profile",
	".ripgreprc",
	".npmrc",
	".yarnrc",
	".yarnrc.yml",
	".mcp.json",
	".mcp-settings.json",
}

// DangerousDirectories lists directories that should be protected from
// writes. Deliberately excludes the bare .git directory: a blanket deny
// there would block git add/commit/checkout themselves, which all write
// under .git (objects, index, refs). .git/hooks and, conditionally,
// .git/config are denied explicitly below instead; see DESIGN.md.
var DangerousDirectories = []string{
	".vscode",
	".idea",
	".claude/commands",
	".claude/agents",
}

// GetDefaultWritePaths returns system paths that should be writable for commands to work.
func GetDefaultWritePaths() []string {
	home, _ := os.UserHomeDir()

	paths := []string{
		"/dev/stdout",
		"/dev/stderr",
		"/dev/null",
		"/dev/tty",
		"/dev/dtracehelper",
		"/dev/autofs_nowait",
		"/tmp/srt",
		"/private/tmp/srt",
	}

	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".npm/_logs"),
			filepath.Join(home, ".srt/debug"),
		)
	}

	return paths
}

// GetMandatoryDenyPatterns returns glob patterns for paths that must always
// be protected, searching at most depth directory levels below cwd. depth<=0
// falls back to defaultMandatoryDenySearchDepth.
func GetMandatoryDenyPatterns(cwd string, allowGitConfig bool, depth int) []string {
	if depth <= 0 {
		depth = defaultMandatoryDenySearchDepth
	}

	var patterns []string

	// Dangerous files - in CWD and nested subdirectories up to depth levels.
	for _, f := range DangerousFiles {
		patterns = append(patterns, subtreePatterns(cwd, f, depth)...)
	}

	// Dangerous directories
	for _, d := range DangerousDirectories {
		for _, p := range subtreePatterns(cwd, d, depth) {
			patterns = append(patterns, p, p+"/**")
		}
	}

	// Git hooks are always blocked
	for _, p := range subtreePatterns(cwd, ".git/hooks", depth) {
		patterns = append(patterns, p, p+"/**")
	}

	// Git config is conditionally blocked
	if !allowGitConfig {
		patterns = append(patterns, subtreePatterns(cwd, ".git/config", depth)...)
	}

	return patterns
}

// subtreePatterns returns a glob pattern for name directly under cwd, plus
// one pattern per nesting level from 1 to depth, so "**/" unbounded
// recursion never appears in a generated pattern set.
func subtreePatterns(cwd, name string, depth int) []string {
	patterns := []string{filepath.Join(cwd, name)}
	for level := 1; level <= depth; level++ {
		prefix := strings.Repeat("*/", level)
		patterns = append(patterns, filepath.Join(cwd, prefix+name))
	}
	return patterns
}
