package errors

import (
	"errors"
	"testing"
)

func TestValidationErrorUnwrapsToInvalidInput(t *testing.T) {
	t.Parallel()
	err := NewValidationError("plan", "unrecognized value")

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
	if got := err.Error(); got != "validation failed on plan: unrecognized value" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStoreErrorWrapping(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := NewStoreError("updateOne", "sub_123", cause)

	if !errors.Is(err, cause) {
		t.Error("StoreError should unwrap to cause")
	}
	if got := err.Error(); got != "store updateOne (subscription=sub_123): connection reset" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStoreErrorWithoutSubscription(t *testing.T) {
	t.Parallel()
	err := NewStoreError("findAll", "", errors.New("timeout"))
	if got := err.Error(); got != "store findAll: timeout" {
		t.Errorf("Error() = %q", got)
	}
}
