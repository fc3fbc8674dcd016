package logging

import "testing"

func TestOrNopHandlesNilInterface(t *testing.T) {
	var logger Logger
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // must not panic
}

func TestOrNopHandlesTypedNilPointer(t *testing.T) {
	var typed *stdLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected as nil")
	}
	safe := OrNop(logger)
	safe.Warn("still safe")
}

func TestNewComponentLoggerAtFiltersBelowMin(t *testing.T) {
	l := NewComponentLoggerAt("test", LevelWarn)
	// Debug/Info below min must not panic and must be silently dropped.
	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept")
}
