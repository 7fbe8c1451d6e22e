package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	path := filepath.Join(dir, LockFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("lock file not readable: %v", err)
	}
	if want := fmt.Sprintf("pid=%d", os.Getpid()); !strings.Contains(string(data), want) {
		t.Errorf("owner line %q missing %q", string(data), want)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
}

func TestAcquireCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock on missing directory failed: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory was not created: %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock failed: %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(dir)
	if err == nil {
		t.Fatal("second AcquireLock should fail while the first lock is held")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T: %v", err, err)
	}
	if lockErr.Path != filepath.Join(dir, LockFileName) {
		t.Errorf("LockError.Path = %q", lockErr.Path)
	}
	if want := fmt.Sprintf("pid %d (running)", os.Getpid()); lockErr.Holder != want {
		t.Errorf("LockError.Holder = %q; want %q", lockErr.Holder, want)
	}
	if lockErr.Cause == nil {
		t.Error("LockError.Cause should carry the flock error")
	}
}

func TestConflictPreservesOwnerLine(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer first.Release()

	// A losing acquire must not wipe the holder's owner line.
	if _, err := AcquireLock(dir); err == nil {
		t.Fatal("expected conflict")
	}

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("lock file not readable after conflict: %v", err)
	}
	if !strings.Contains(string(data), fmt.Sprintf("pid=%d", os.Getpid())) {
		t.Errorf("owner line lost after losing acquire: %q", string(data))
	}
}

func TestReleaseIdempotent(t *testing.T) {
	lock, err := AcquireLock(t.TempDir())
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("re-acquire after release failed: %v", err)
	}
	again.Release()
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	if got := describeHolder(path); !strings.Contains(got, "unreadable") {
		t.Errorf("missing file: describeHolder = %q", got)
	}

	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	if got := describeHolder(path); !strings.Contains(got, "empty") {
		t.Errorf("empty file: describeHolder = %q", got)
	}

	if err := os.WriteFile(path, []byte("some legacy content\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := describeHolder(path); got != "some legacy content" {
		t.Errorf("unparseable owner: describeHolder = %q", got)
	}

	// PIDs above the kernel's pid ceiling can never be alive.
	if err := os.WriteFile(path, []byte("pid=99999999 host=old started=2026-01-01T00:00:00Z\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := describeHolder(path); !strings.Contains(got, "process gone") {
		t.Errorf("dead owner: describeHolder = %q", got)
	}
}

func TestParseOwnerPID(t *testing.T) {
	cases := []struct {
		line string
		want int
	}{
		{"pid=1234 host=a started=2026-01-01T00:00:00Z", 1234},
		{"host=a pid=42", 42},
		{"pid=notanumber host=a", 0},
		{"host=a started=now", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parseOwnerPID(tc.line); got != tc.want {
			t.Errorf("parseOwnerPID(%q) = %d; want %d", tc.line, got, tc.want)
		}
	}
}

func TestLockErrorMessage(t *testing.T) {
	cause := errors.New("resource temporarily unavailable")
	err := &LockError{Path: "/var/lib/funnelpipe/funnelpipe.lock", Holder: "pid 7 (running)", Cause: cause}

	msg := err.Error()
	if !strings.Contains(msg, "/var/lib/funnelpipe/funnelpipe.lock") {
		t.Errorf("message missing path: %q", msg)
	}
	if !strings.Contains(msg, "pid 7 (running)") {
		t.Errorf("message missing holder: %q", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("LockError should unwrap to its cause")
	}
}
