package trader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDFile claims the single-instance lock for an account. A pid file
// referencing a live process is a collision; a stale one is reaped.
func WritePIDFile(path string) error {
	if raw, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr == nil && PIDAlive(pid) {
			return fmt.Errorf("pid file %s: process %d already running", path, pid)
		}
		// Stale file from an unclean shutdown.
		_ = os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile releases the lock on clean shutdown.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// ReadPIDFile returns the pid recorded in the file, or 0 when absent or
// malformed.
func ReadPIDFile(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// PIDAlive probes a pid with signal 0.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
