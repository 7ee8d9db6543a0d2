package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	lock, err := AcquireLock(dir, Owner{APIAddr: ":8080", Provider: "twilio", StartedAt: started})
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	got := parseOwner(string(content))
	if got.PID != os.Getpid() || got.Provider != "twilio" || got.APIAddr != ":8080" || !got.StartedAt.Equal(started) {
		t.Errorf("owner record = %+v", got)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir, Owner{Provider: "whatsapp", APIAddr: ":9090"})
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir, Owner{Provider: "twilio"})
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.Provider != "whatsapp" || lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder = %+v, want the first instance", lockErr.Holder)
	}
	msg := err.Error()
	for _, want := range []string{"another LeadFlow instance", dir, "provider whatsapp", "api :9090", "(running)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q should contain %q", msg, want)
		}
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir, Owner{})
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	again, err := AcquireLock(dir, Owner{})
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release()
}

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Owner
	}{
		{"full record", "api_addr=:8080\npid=42\nprovider=twilio\nstarted=2024-05-01T10:00:00Z\n",
			Owner{PID: 42, APIAddr: ":8080", Provider: "twilio", StartedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}},
		{"pid only", "pid=7\n", Owner{PID: 7}},
		{"malformed lines ignored", "garbage\npid=abc\nprovider=whatsapp", Owner{Provider: "whatsapp"}},
		{"empty", "", Owner{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOwner(tt.content)
			if got.PID != tt.want.PID || got.APIAddr != tt.want.APIAddr || got.Provider != tt.want.Provider || !got.StartedAt.Equal(tt.want.StartedAt) {
				t.Errorf("parseOwner() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
	if isProcessRunning(999999) {
		t.Error("PID 999999 should not be running")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")
	lock, err := AcquireLock(dir, Owner{})
	if err != nil {
		t.Fatalf("AcquireLock should create the directory: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}
