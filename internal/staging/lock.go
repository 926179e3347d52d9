package staging

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// processAlive reports whether pid names a live process. A process owned
// by another user answers EPERM and still counts.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// lockOwner reads the pid recorded in the lock file. ok is false when the
// file is missing or does not hold a pid.
func (a *Area) lockOwner() (pid int, exists, ok bool) {
	data, err := os.ReadFile(a.LockPath())
	if err != nil {
		return 0, false, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	return pid, true, err == nil
}

// TryLock takes the session lock. It returns false when this process or
// another live one holds it; a lock left by a dead process or holding
// garbage is reclaimed.
func (a *Area) TryLock() (bool, error) {
	path := a.LockPath()

	if pid, exists, ok := a.lockOwner(); exists {
		if ok && (pid == os.Getpid() || processAlive(pid)) {
			a.logger.Debug("🔒 update lock held", "pid", pid)
			return false, nil
		}
		a.logger.Info("🧹 reclaiming stale update lock", "pid", pid, "parsed", ok)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		a.logger.Debug("🔒 update lock taken concurrently")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, werr := fmt.Fprintf(file, "%d\n", os.Getpid())
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return false, werr
	}

	a.logger.Debug("🔒 acquired update lock", "pid", os.Getpid())
	return true, nil
}

// Unlock releases the session lock.
func (a *Area) Unlock() {
	if err := os.Remove(a.LockPath()); err != nil {
		a.logger.Debug("update lock not removed", "error", err)
		return
	}
	a.logger.Debug("🔓 released update lock")
}
