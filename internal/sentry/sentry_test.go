package sentry

import (
	"testing"
	"time"
)

func TestInitialize_EmptyDSN(t *testing.T) {
	t.Parallel()

	// Should return nil when DSN is empty (disabled)
	err := Initialize(Config{DSN: ""})
	if err != nil {
		t.Errorf("Expected nil error for empty DSN, got %v", err)
	}
}

func TestInitialize_ValidConfig(t *testing.T) {
	// Cannot use t.Parallel() as Sentry uses global state

	err := Initialize(Config{
		DSN:         "https://public@sentry.example.com/1",
		Environment: "test",
		SampleRate:  1.0,
	})
	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}

	if !IsEnabled() {
		t.Error("Expected IsEnabled() to return true after initialization")
	}

	// Clean up - flush any pending events
	Flush(time.Second)
}

func TestInitialize_DefaultSampleRate(t *testing.T) {
	// Cannot use t.Parallel() as Sentry uses global state

	err := Initialize(Config{DSN: "https://public@sentry.example.com/1"})
	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}
