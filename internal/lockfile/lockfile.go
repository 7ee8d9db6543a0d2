// Package lockfile keeps two engine instances from sharing a state directory.
//
// Two instances on the same directory would both resume the same
// conversations and drain the same outbox. The lock is an flock on a file in
// the state directory, released by the kernel when the process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "leadflow.lock"

// Owner describes the instance holding the lock. It is written to the lock
// file so a second instance can tell the operator who holds the directory.
type Owner struct {
	PID       int
	APIAddr   string
	Provider  string
	StartedAt time.Time
}

// Lock represents an active directory lock
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes an exclusive lock on stateDir and records owner in it.
// If another instance holds the lock a *LockError describes that instance.
func AcquireLock(stateDir string, owner Owner) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if owner.PID == 0 {
		owner.PID = os.Getpid()
	}
	if owner.StartedAt.IsZero() {
		owner.StartedAt = time.Now()
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's owner record before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readOwner(lockPath)
		slog.Error("lockfile.AcquireLock: state directory in use", "lockPath", lockPath, "holder", holder.describe())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lockPath", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release releases the lock and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lockPath", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to release flock", "error", err, "lockPath", l.path)
	}
	err := l.file.Close()

	l.acquired = false
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lockPath", l.path)
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// LockError is returned when another instance holds the state directory.
type LockError struct {
	LockPath string
	Holder   Owner
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another LeadFlow instance is using this state directory (lock file %s)", e.LockPath)
	if desc := e.Holder.describe(); desc != "" {
		fmt.Fprintf(&b, "; holder: %s", desc)
	}
	if e.Holder.PID > 0 && !isProcessRunning(e.Holder.PID) {
		fmt.Fprintf(&b, "; the holder is not running, remove %s if no instance uses the directory", e.LockPath)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func (o Owner) describe() string {
	var parts []string
	if o.PID > 0 {
		state := "running"
		if !isProcessRunning(o.PID) {
			state = "not running"
		}
		parts = append(parts, fmt.Sprintf("pid %d (%s)", o.PID, state))
	}
	if o.Provider != "" {
		parts = append(parts, "provider "+o.Provider)
	}
	if o.APIAddr != "" {
		parts = append(parts, "api "+o.APIAddr)
	}
	if !o.StartedAt.IsZero() {
		parts = append(parts, "since "+o.StartedAt.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}

func writeOwner(file *os.File, owner Owner) error {
	fields := map[string]string{
		"pid":     strconv.Itoa(owner.PID),
		"started": owner.StartedAt.UTC().Format(time.RFC3339),
	}
	if owner.Provider != "" {
		fields["provider"] = owner.Provider
	}
	if owner.APIAddr != "" {
		fields["api_addr"] = owner.APIAddr
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, fields[k])
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(b.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// readOwner parses the owner record of a lock file. Unknown or malformed
// lines are ignored.
func readOwner(lockPath string) Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil {
				o.PID = pid
			}
		case "provider":
			o.Provider = value
		case "api_addr":
			o.APIAddr = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.StartedAt = t
			}
		}
	}
	return o
}

// isProcessRunning reports whether a process with pid exists. Signal 0
// probes the process without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
