package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the daemon pid file inside the state directory
const PIDFileName = "jobserver.pid"

// ErrAlreadyRunning is returned when the pid file points at a live process
var ErrAlreadyRunning = errors.New("supervisor already running")

// ErrNotRunning is returned when no live supervisor owns the pid file
var ErrNotRunning = errors.New("supervisor not running")

// WritePIDFile records the current pid at path. A stale file left by a dead
// process is replaced.
func WritePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil && ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the pid stored at path
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

// RemovePIDFile deletes the pid file, ignoring a missing one
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// ProcessAlive reports whether pid names a running process
func ProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// RunningPID returns the pid of the live supervisor owning path
func RunningPID(path string) (int, error) {
	pid, err := ReadPIDFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotRunning
	}
	if err != nil {
		return 0, err
	}
	if !ProcessAlive(pid) {
		return 0, fmt.Errorf("%w (stale pid %d)", ErrNotRunning, pid)
	}
	return pid, nil
}

// SignalRunning sends sig to the supervisor owning path
func SignalRunning(path string, sig syscall.Signal) (int, error) {
	pid, err := RunningPID(path)
	if err != nil {
		return 0, err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return pid, fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return pid, nil
}
