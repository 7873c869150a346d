// Package runlock implements a host-wide advisory lock backed by a PID
// marker file. It serializes isolated pipeline launches across independent
// process instances sharing the same lock path.
package runlock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/acp-data/canonical-pipeline/pkg/apperrors"
)

// Liveness reports whether the process with the given pid is still running.
// Injectable so tests can simulate dead lock holders.
type Liveness func(pid int) bool

// processAlive probes the pid with signal 0, which performs the permission
// and existence checks without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}

// Lock is an advisory cross-process lock. Acquire writes the caller's pid
// into the marker file with create-exclusive semantics; a marker left behind
// by a dead process is reclaimed and acquisition retried once.
type Lock struct {
	path  string
	alive Liveness

	mu   sync.Mutex
	held bool
}

// New creates a lock over the given marker file path.
func New(path string) *Lock {
	return NewWithLiveness(path, processAlive)
}

// NewWithLiveness creates a lock with a custom liveness probe.
func NewWithLiveness(path string, alive Liveness) *Lock {
	return &Lock{path: path, alive: alive}
}

// Acquire takes the lock or fails with apperrors.ErrAlreadyRunning when a
// live process holds it.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return apperrors.ErrAlreadyRunning
	}

	if err := l.tryCreate(); err == nil {
		l.held = true
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("create lock file %s: %w", l.path, err)
	}

	holder, err := l.readHolder()
	if err != nil {
		// Unreadable marker: assume a racing writer holds it.
		return apperrors.ErrAlreadyRunning
	}
	if l.alive(holder) {
		return fmt.Errorf("%w: pid %d holds %s", apperrors.ErrAlreadyRunning, holder, l.path)
	}

	// Stale marker from a dead process: reclaim it and retry once.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reclaim stale lock file %s: %w", l.path, err)
	}
	if err := l.tryCreate(); err != nil {
		if os.IsExist(err) {
			return apperrors.ErrAlreadyRunning
		}
		return fmt.Errorf("create lock file %s: %w", l.path, err)
	}

	l.held = true
	return nil
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(l.path)
		if werr != nil {
			return werr
		}
		return cerr
	}
	return nil
}

func (l *Lock) readHolder() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid from %s: %w", l.path, err)
	}
	return pid, nil
}

// Release drops the lock. Safe to call multiple times and when the lock was
// never acquired.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file %s: %w", l.path, err)
	}
	return nil
}
