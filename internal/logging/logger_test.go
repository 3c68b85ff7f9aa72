package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsBadInput(t *testing.T) {
	if err := Init("nope", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if err := Init("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestInitAndNamed(t *testing.T) {
	if err := Init("debug", "console"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if L() == nil {
		t.Fatal("root logger is nil after Init")
	}
	if Named(CategoryPipeline) == nil {
		t.Fatal("named logger is nil")
	}
	Sync()
}

func TestSetForTesting(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := SetForTesting(zap.New(core))
	defer restore()

	Named(CategoryStore).Info("hello")
	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.LoggerName != string(CategoryStore) {
		t.Errorf("logger name = %q, want %q", entry.LoggerName, CategoryStore)
	}
}
