package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// wellKnownDirs are install locations probed when the binary is not on PATH.
func wellKnownDirs(home string) []string {
	return []string{
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, "bin"),
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
}

// Locate resolves the agent executable. Resolution order: explicit override,
// PATH, well-known install dirs, and finally an interactive login shell
// (which picks up PATH entries added by shell rc files).
func Locate(override, name string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("agent command %q: %w", override, err)
		}
		return override, nil
	}
	if name == "" {
		return "", fmt.Errorf("no agent binary configured")
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	home, _ := os.UserHomeDir()
	for _, dir := range wellKnownDirs(home) {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	if p := shellLookup(name); p != "" {
		return p, nil
	}

	return "", fmt.Errorf("agent binary %q not found", name)
}

// shellLookup asks the user's login shell where the binary lives. Slower than
// a stat but finds installs managed by nvm/asdf style version managers.
func shellLookup(name string) string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		return ""
	}
	out, err := exec.Command(shell, "-l", "-i", "-c", "command -v "+name).Output()
	if err != nil {
		return ""
	}
	p := strings.TrimSpace(string(out))
	if p == "" || !filepath.IsAbs(p) {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
