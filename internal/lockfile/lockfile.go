// Package lockfile implements the per-project orchestrator lock: a
// file carrying the holder's PID, authoritative between orchestrators
// and advisory for everything else.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/codefleet/foreman/internal/logging"
)

// ErrAlreadyRunning reports a live orchestrator holding the lock.
var ErrAlreadyRunning = errors.New("orchestrator already running for this project")

// acquireAttempts bounds the create-reclaim loop.
const acquireAttempts = 5

// Lock is a held project lock.
type Lock struct {
	path string
	pid  int
	log  *slog.Logger
}

// Acquire takes the project lock at path. An existing file only blocks
// acquisition when its PID is alive and, where procfs allows the
// check, that process runs in projectDir; anything else is a stale
// leftover and is reclaimed. Creation races are closed by the
// O_CREATE|O_EXCL retry loop.
func Acquire(path, projectDir string) (*Lock, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	log := logging.WithComponent("lockfile")

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", os.Getpid()); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("close lock file: %w", cerr)
			}
			log.Debug("Lock acquired", slog.String("path", path), slog.Int("pid", os.Getpid()))
			return &Lock{path: path, pid: os.Getpid(), log: log}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		pid, readErr := readPID(path)
		if readErr != nil || pid <= 0 {
			// A holder that just won the create race may not have
			// written its PID yet; give it a beat and re-read.
			time.Sleep(20 * time.Millisecond)
			pid, readErr = readPID(path)
			if os.IsNotExist(readErr) {
				continue
			}
		}
		if readErr == nil && pid > 0 {
			if pid == os.Getpid() {
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
			}
			if pidAlive(pid) {
				cwd, cwdErr := processCwd(pid)
				// No cwd visibility means we cannot prove the holder
				// is someone else's project, so treat it as live.
				if cwdErr != nil || sameDir(cwd, absDir) {
					return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
				}
			}
		}

		log.Info("Reclaiming stale lock", slog.String("path", path), slog.Int("stale_pid", pid))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("lock at %s kept reappearing: %w", path, ErrAlreadyRunning)
}

// Release removes the lock file if this process still owns it.
func (l *Lock) Release() error {
	pid, err := readPID(l.path)
	if err == nil && pid != l.pid {
		// Someone reclaimed it already; leave their lock alone.
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	l.log.Debug("Lock released", slog.String("path", l.path))
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// PID returns the holding process id.
func (l *Lock) PID() int {
	return l.pid
}

// Holder reports the PID recorded in an existing lock file and whether
// that process is alive. ok is false when there is no usable lock.
func Holder(path string) (pid int, alive bool, ok bool) {
	pid, err := readPID(path)
	if err != nil || pid <= 0 {
		return 0, false, false
	}
	return pid, pidAlive(pid), true
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return pid, nil
}

func sameDir(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
