// Package lockfile keeps a second CardioCheck process from opening the same
// state directory. The flock is released by the kernel when the process
// exits, so a crash never leaves the directory locked.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "cardiocheck.lock"

// ErrLocked matches a *LockError with errors.Is.
var ErrLocked = errors.New("state directory locked by another instance")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	StartedAt time.Time
}

// Acquire takes an exclusive non-blocking flock on stateDir, creating the
// directory when missing.
func Acquire(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.Acquire: acquiring", "path", lockPath)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{Path: lockPath, Cause: err}
		if owner, ok := ReadOwner(lockPath); ok {
			lerr.Owner = &owner
		}
		slog.Error("lockfile.Acquire: state directory is in use", "path", lockPath, "error", lerr)
		return nil, lerr
	}

	// Truncate only after the lock is ours so a losing process never wipes
	// the owner's record.
	if err := file.Truncate(0); err != nil {
		unlockAndClose(file)
		return nil, fmt.Errorf("truncate lock file %s: %w", lockPath, err)
	}
	record := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteAt([]byte(record), 0); err != nil {
		unlockAndClose(file)
		return nil, fmt.Errorf("write lock file %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "path", lockPath, "error", err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. It is safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the flock so no other process can lock the
	// old inode between the unlock and the unlink.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	err := unlockAndClose(l.file)
	l.file = nil
	slog.Debug("lockfile.Release: released", "path", l.path)
	return err
}

func unlockAndClose(f *os.File) error {
	uerr := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	cerr := f.Close()
	if uerr != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), uerr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", f.Name(), cerr)
	}
	return nil
}

// LockError reports a state directory held by another process.
type LockError struct {
	Path  string
	Owner *Owner
	Cause error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another CardioCheck instance holds %s", e.Path)
	if e.Owner != nil && e.Owner.PID > 0 {
		state := "running"
		if !IsProcessRunning(e.Owner.PID) {
			state = "not running"
		}
		fmt.Fprintf(&b, " (pid %d, %s", e.Owner.PID, state)
		if !e.Owner.StartedAt.IsZero() {
			fmt.Fprintf(&b, ", started %s", e.Owner.StartedAt.Format(time.RFC3339))
		}
		b.WriteString(")")
	}
	b.WriteString("; stop it or point --state-dir elsewhere")
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

func (e *LockError) Is(target error) bool { return target == ErrLocked }

// ReadOwner parses the owner record of a lock file.
func ReadOwner(path string) (Owner, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, false
	}
	return parseOwner(string(data))
}

func parseOwner(content string) (Owner, bool) {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.StartedAt = t
			}
		}
	}
	return o, o.PID > 0
}

// IsProcessRunning reports whether pid exists, using signal 0.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
