// Package lockfile guards the state directory against concurrent FunnelPipe
// instances.
//
// A flock-based lock is held for the lifetime of the process and disappears
// with it, so crashes never leave the directory permanently locked; the lock
// file's owner line exists only for diagnostics.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "funnelpipe.lock"

// Lock is a held state-directory lock. Release it when the process shuts
// down; the kernel releases it anyway if the process dies.
type Lock struct {
	file *os.File
	path string
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("state directory already locked (%s)", e.Path)
	if e.Holder != "" {
		msg += ": held by " + e.Holder
	}
	return msg
}

func (e *LockError) Unwrap() error { return e.Cause }

// AcquireLock takes an exclusive flock on <stateDir>/funnelpipe.lock,
// creating the directory if needed. On contention it returns a *LockError
// describing the holder. The file is truncated only after the lock is won,
// so a losing process never wipes the holder's owner line.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	path := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock: acquiring", "path", path)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := describeHolder(path)
		file.Close()
		slog.Error("lockfile.AcquireLock: lock held elsewhere", "path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := writeOwnerLine(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock owner to %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Release drops the flock and removes the lock file. Safe to call twice.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: flock release failed", "error", err, "path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Warn("lockfile.Release: close failed", "error", err, "path", l.path)
	}
	l.file = nil

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	slog.Info("lockfile.Release: released", "path", l.path)
	return nil
}

// writeOwnerLine replaces the file content with this process's owner line.
func writeOwnerLine(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	host, _ := os.Hostname()
	if _, err := fmt.Fprintf(file, "pid=%d host=%s started=%s\n",
		os.Getpid(), host, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return file.Sync()
}

// describeHolder reads the owner line of an existing lock file and reports
// who holds it and whether that process is still alive.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown (lock file unreadable)"
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		return "unknown (lock file empty)"
	}

	pid := parseOwnerPID(line)
	if pid <= 0 {
		return line
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (process gone, lock released with it)", pid)
}

// parseOwnerPID pulls the pid out of a "pid=N host=... started=..." line.
func parseOwnerPID(line string) int {
	for _, field := range strings.Fields(line) {
		if v, ok := strings.CutPrefix(field, "pid="); ok {
			pid, err := strconv.Atoi(v)
			if err != nil {
				return 0
			}
			return pid
		}
	}
	return 0
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
