// Package workspace manages the .agent directory inside the working tree:
// the scratchpad the agent keeps between iterations and the per-run logs of
// raw agent output.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DirEnv is the env var override for the artifact directory (for testing).
	DirEnv = "RALPH_AGENT_DIR"
	// DefaultDir is the artifact directory created inside the work dir.
	DefaultDir = ".agent"
	// runsDir holds raw agent output, one subdirectory per run.
	runsDir = "runs"
)

// Workspace is rooted at the directory the agent works in. Relative
// artifact paths from the config resolve against this root.
type Workspace struct {
	root string
	dir  string
}

// New returns a workspace rooted at root. The artifact directory defaults
// to root/.agent, or to RALPH_AGENT_DIR if set.
func New(root string) *Workspace {
	dir := os.Getenv(DirEnv)
	switch {
	case dir == "":
		dir = filepath.Join(root, DefaultDir)
	case !filepath.IsAbs(dir):
		dir = filepath.Join(root, dir)
	}
	return &Workspace{root: root, dir: dir}
}

// Root returns the working tree root.
func (w *Workspace) Root() string {
	return w.root
}

// Dir returns the artifact directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Resolve turns a config path into an absolute path under the root.
// Absolute paths pass through unchanged.
func (w *Workspace) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(w.root, path)
}

// Ensure creates the artifact directory tree.
func (w *Workspace) Ensure() error {
	return os.MkdirAll(filepath.Join(w.dir, runsDir), 0o755)
}

// SeedScratchpad writes the initial scratchpad for a task at path, unless a
// scratchpad already exists there. An existing file is never overwritten;
// the agent owns its content once the run is underway.
func (w *Workspace) SeedScratchpad(path, task string) error {
	full := w.Resolve(path)
	if _, err := os.Stat(full); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(scratchpadTemplate(task)), 0o644)
}

func scratchpadTemplate(task string) string {
	var b strings.Builder
	b.WriteString("# Scratchpad\n\n")
	b.WriteString("Working notes for the current run. Mark tasks `[ ]` pending, `[x]` done, `[~]` cancelled.\n\n")
	b.WriteString("## Task\n\n")
	b.WriteString(strings.TrimSpace(task))
	b.WriteString("\n\n## Plan\n\n- [ ] break the task into concrete steps\n\n## Notes\n")
	return b.String()
}

// RunDir returns the log directory for a run.
func (w *Workspace) RunDir(runID string) string {
	return filepath.Join(w.dir, runsDir, runID)
}

// WriteRunLog archives the raw output of one iteration attempt and returns
// the path it was written to.
func (w *Workspace) WriteRunLog(runID string, index, attempt int, output string) (string, error) {
	dir := w.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, logName(index, attempt))
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadRunLog returns the archived output for one iteration attempt, or an
// empty string if it was never written.
func (w *Workspace) ReadRunLog(runID string, index, attempt int) string {
	b, err := os.ReadFile(filepath.Join(w.RunDir(runID), logName(index, attempt)))
	if err != nil {
		return ""
	}
	return string(b)
}

// ListRunLogs returns the log file names for a run in iteration order.
// A run with no logs yields nil.
func (w *Workspace) ListRunLogs(runID string) []string {
	entries, err := os.ReadDir(w.RunDir(runID))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// logName is zero-padded so lexical order matches iteration order.
func logName(index, attempt int) string {
	return fmt.Sprintf("iter-%04d-attempt-%d.log", index, attempt)
}
