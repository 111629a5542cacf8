package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestWatcher_StartStop(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

// TestWatcher_StartAlreadyRunning verifies that a second Start() fails.
func TestWatcher_StartAlreadyRunning(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("First Start() failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}
}

// TestWatcher_DetectsWrite verifies that editing the config file signals
// a reload.
func TestWatcher_DetectsWrite(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Give the watcher time to stabilize
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(testConfigYAML+"\n# edited\n"), 0644); err != nil {
		t.Fatalf("Failed to update config file: %v", err)
	}

	select {
	case got := <-w.Reloads():
		if filepath.Base(got) != "config.yaml" {
			t.Errorf("Reload path = %q, want config.yaml", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for reload signal")
	}
}

// TestWatcher_DetectsAtomicReplace verifies that a rename-over replace,
// the way editors save files, signals a reload.
func TestWatcher_DetectsAtomicReplace(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(testConfigYAML), 0644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to rename over config: %v", err)
	}

	select {
	case <-w.Reloads():
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for reload signal after atomic replace")
	}
}

// TestWatcher_IgnoresOtherFiles verifies that sibling file changes do not
// signal reloads.
func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	other := filepath.Join(filepath.Dir(path), "notes.txt")
	if err := os.WriteFile(other, []byte("unrelated"), 0644); err != nil {
		t.Fatalf("Failed to write sibling file: %v", err)
	}

	select {
	case got := <-w.Reloads():
		t.Errorf("Should not receive reload for sibling file, got %q", got)
	case <-time.After(800 * time.Millisecond):
		// Expected - no reload for unrelated files
	}
}

// TestWatcher_StopClosesChannels verifies that Stop() closes the channels.
func TestWatcher_StopClosesChannels(t *testing.T) {
	path := writeConfig(t, testConfigYAML)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	reloads := w.Reloads()
	errs := w.Errors()

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	select {
	case _, ok := <-reloads:
		if ok {
			t.Error("Reloads channel should be closed after Stop()")
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout verifying reloads channel closure")
	}

	select {
	case _, ok := <-errs:
		if ok {
			t.Error("Errors channel should be closed after Stop()")
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout verifying errors channel closure")
	}
}
