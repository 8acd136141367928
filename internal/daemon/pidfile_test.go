package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestWritePID_ReadPID(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}

	if pid != os.Getpid() {
		t.Errorf("ReadPID got %d, want %d", pid, os.Getpid())
	}
}

func TestReadPID_NoFile(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(dir)
	if err == nil {
		t.Fatal("expected error reading nonexistent PID file")
	}
}

func TestReadPID_InvalidContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, pidFilename)

	if err := os.WriteFile(path, []byte("not-a-number"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := ReadPID(dir)
	if err == nil {
		t.Fatal("expected error parsing invalid PID")
	}
}

func TestRemovePID(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}

	// Verify file is gone.
	path := filepath.Join(dir, pidFilename)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("PID file still exists after RemovePID")
	}
}

func TestRemovePID_NoFile(t *testing.T) {
	dir := t.TempDir()

	// Removing a nonexistent PID file should not error.
	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID on nonexistent file: %v", err)
	}
}

func TestIsRunning_Self(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	if IsRunning(dir) {
		t.Error("our own PID should not count as another running instance")
	}
}

func writePIDFile(t *testing.T, dir string, pid int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, pidFilename), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestWritePID_LiveOtherProcess(t *testing.T) {
	dir := t.TempDir()
	// The test binary's parent is alive for the duration of the test.
	parent := os.Getppid()
	writePIDFile(t, dir, parent)

	if !IsRunning(dir) {
		t.Fatal("IsRunning should report the parent process as running")
	}
	if err := WritePID(dir); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("WritePID = %v, want ErrAlreadyRunning", err)
	}
	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if pid, err := ReadPID(dir); err != nil || pid != parent {
		t.Errorf("RemovePID must leave another live process's file, got %d, %v", pid, err)
	}
}

func TestIsRunning_NoFile(t *testing.T) {
	dir := t.TempDir()

	if IsRunning(dir) {
		t.Error("IsRunning returned true with no PID file")
	}
}

func TestWritePID_ReplacesStale(t *testing.T) {
	dir := t.TempDir()
	// A PID far above the usual pid_max default.
	writePIDFile(t, dir, 1<<30)

	if IsRunning(dir) {
		t.Fatal("IsRunning true for a dead process")
	}
	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID over a stale file: %v", err)
	}
	if pid, _ := ReadPID(dir); pid != os.Getpid() {
		t.Errorf("PID = %d, want %d", pid, os.Getpid())
	}
	if _, err := os.Stat(filepath.Join(dir, pidFilename+".tmp")); !os.IsNotExist(err) {
		t.Error("temporary PID file left behind")
	}
}

func TestReadPID_NonPositive(t *testing.T) {
	dir := t.TempDir()
	writePIDFile(t, dir, 0)
	if _, err := ReadPID(dir); err == nil {
		t.Fatal("expected error for PID 0")
	}
}

func TestWritePID_CreatesDirectory(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "nested", "dir")

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID with nested dir: %v", err)
	}

	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("got PID %d, want %d", pid, os.Getpid())
	}
}
