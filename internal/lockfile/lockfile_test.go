package lockfile

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "agent.lock")
}

func TestAcquireRelease(t *testing.T) {
	path := lockPath(t)
	project := t.TempDir()

	lock, err := Acquire(path, project)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("lock file unreadable: %v", err)
	}
	want := strconv.Itoa(os.Getpid()) + "\n"
	if string(data) != want {
		t.Errorf("lock content = %q, want %q", data, want)
	}
	if lock.PID() != os.Getpid() {
		t.Errorf("PID() = %d, want %d", lock.PID(), os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release")
	}
}

func TestAcquireTwiceSameProcess(t *testing.T) {
	path := lockPath(t)
	project := t.TempDir()

	lock, err := Acquire(path, project)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer lock.Release()

	if _, err := Acquire(path, project); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Acquire() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestAcquireReclaimsDeadHolder(t *testing.T) {
	path := lockPath(t)
	project := t.TempDir()

	// Way above pid_max on Linux, so never a live process.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	lock, err := Acquire(path, project)
	if err != nil {
		t.Fatalf("Acquire() over stale lock error = %v", err)
	}
	defer lock.Release()

	if lock.PID() != os.Getpid() {
		t.Errorf("PID() = %d, want %d", lock.PID(), os.Getpid())
	}
}

func TestAcquireReclaimsGarbageContent(t *testing.T) {
	path := lockPath(t)
	project := t.TempDir()

	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatalf("seed garbage lock: %v", err)
	}

	lock, err := Acquire(path, project)
	if err != nil {
		t.Fatalf("Acquire() over garbage lock error = %v", err)
	}
	lock.Release()
}

func TestAcquireLiveHolderOtherProject(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs procfs cwd visibility")
	}

	path := lockPath(t)
	project := t.TempDir()
	otherDir := t.TempDir()

	cmd := exec.Command("sleep", "30")
	cmd.Dir = otherDir
	if err := cmd.Start(); err != nil {
		t.Fatalf("start holder stand-in: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", cmd.Process.Pid)), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	// Alive but working in another directory: not our orchestrator.
	lock, err := Acquire(path, project)
	if err != nil {
		t.Fatalf("Acquire() error = %v, want reclaim of other-project holder", err)
	}
	lock.Release()
}

func TestAcquireLiveHolderSameProject(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs procfs cwd visibility")
	}

	path := lockPath(t)
	project := t.TempDir()

	cmd := exec.Command("sleep", "30")
	cmd.Dir = project
	if err := cmd.Start(); err != nil {
		t.Fatalf("start holder stand-in: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", cmd.Process.Pid)), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	if _, err := Acquire(path, project); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Acquire() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	path := lockPath(t)
	project := t.TempDir()

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan *Lock, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lock, err := Acquire(path, project); err == nil {
				wins <- lock
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []*Lock
	for lock := range wins {
		winners = append(winners, lock)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winners))
	}
	winners[0].Release()
}

func TestHolder(t *testing.T) {
	path := lockPath(t)

	if _, _, ok := Holder(path); ok {
		t.Error("Holder() ok = true for missing file, want false")
	}

	lock, err := Acquire(path, t.TempDir())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	pid, alive, ok := Holder(path)
	if !ok {
		t.Fatal("Holder() ok = false, want true")
	}
	if pid != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", pid, os.Getpid())
	}
	if !alive {
		t.Error("holder alive = false, want true")
	}
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	path := lockPath(t)
	project := t.TempDir()

	lock, err := Acquire(path, project)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Simulate another process reclaiming and rewriting the lock.
	if err := os.WriteFile(path, []byte("424242\n"), 0o644); err != nil {
		t.Fatalf("rewrite lock: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("foreign lock removed by Release: stat error = %v", err)
	}
}
