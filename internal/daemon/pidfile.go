package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "kirogate.pid"

// ErrAlreadyRunning is returned by WritePID when the PID file names a live
// process other than this one.
var ErrAlreadyRunning = errors.New("kirogate is already running")

// WritePID records the current process ID in dataDir/kirogate.pid. A PID
// file left behind by a dead process is replaced. The file is written to a
// temporary name and renamed so readers never see a partial PID.
func WritePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}

	if pid, err := ReadPID(dataDir); err == nil && pid != os.Getpid() && isProcessAlive(pid) {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}

	path := pidPath(dataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing PID file %s: %w", path, err)
	}
	return nil
}

// ReadPID reads the PID from dataDir/kirogate.pid.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parsing PID from %s: invalid content %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RemovePID removes the PID file from dataDir. It only removes a file
// that names this process or a dead one, so a second instance that failed
// to start cannot delete the running daemon's file.
func RemovePID(dataDir string) error {
	if pid, err := ReadPID(dataDir); err == nil && pid != os.Getpid() && isProcessAlive(pid) {
		return nil
	}
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// IsRunning reports whether the PID file names a live process other than
// the caller.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	if err != nil {
		return false
	}
	return pid != os.Getpid() && isProcessAlive(pid)
}

// isProcessAlive sends signal 0, which checks that the process exists
// without delivering anything.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
