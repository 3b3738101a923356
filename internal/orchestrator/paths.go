package orchestrator

import (
	"os"
	"path/filepath"
)

// stateDirName is the per-project directory holding everything the
// engine persists.
const stateDirName = ".foreman"

// StateDir returns the project's state directory.
func StateDir(projectDir string) string {
	return filepath.Join(projectDir, stateDirName)
}

// BacklogPath returns the feature store location for a project.
func BacklogPath(projectDir string) string {
	return filepath.Join(StateDir(projectDir), "backlog.db")
}

// TranscriptsPath returns the conversation store location for a project.
func TranscriptsPath(projectDir string) string {
	return filepath.Join(StateDir(projectDir), "transcripts.db")
}

// LockPath returns the single-writer lock location for a project.
func LockPath(projectDir string) string {
	return filepath.Join(StateDir(projectDir), "agent.lock")
}

// EnsureStateDir creates the state directory if it does not exist.
func EnsureStateDir(projectDir string) error {
	return os.MkdirAll(StateDir(projectDir), 0755)
}
