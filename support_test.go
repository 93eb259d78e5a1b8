package modkit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// testLogger captures log calls so tests can assert on warnings without
// polluting test output.
type testLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *testLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *testLogger) Info(msg string, _ ...any)  { l.record("INFO", msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record("ERROR", msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record("WARN", msg) }
func (l *testLogger) Debug(msg string, _ ...any) { l.record("DEBUG", msg) }

func (l *testLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}

// recordingObserver collects every event it receives, in order.
type recordingObserver struct {
	id     string
	mu     sync.Mutex
	events []cloudevents.Event
}

func newRecordingObserver(id string) *recordingObserver {
	return &recordingObserver{id: id}
}

func (o *recordingObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *recordingObserver) ObserverID() string { return o.id }

func (o *recordingObserver) eventTypes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]string, len(o.events))
	for i, e := range o.events {
		types[i] = e.Type()
	}
	return types
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

// newTestRegistry builds a registry over a fresh in-memory store.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewMemoryStore(), &testLogger{})
}

// writeModuleFile drops a Lua module file into dir and returns its path.
func writeModuleFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing module file %s: %v", name, err)
	}
	return path
}

// simpleModuleLua renders a minimal direct-table module definition.
func simpleModuleLua(id, version string) string {
	return `return {
		id = "` + id + `",
		name = "` + id + `",
		version = "` + version + `",
		enabled = true,
	}`
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
