package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainErrorMessage(t *testing.T) {
	err := NewDomainError("Engine.Run", ErrMovieNotFound, "Movie not found!")
	want := "Engine.Run: Movie not found!: movie not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	noDetail := NewDomainError("Engine.Run", ErrLookupTimeout, "")
	if noDetail.Error() != "Engine.Run: catalog lookup timed out" {
		t.Errorf("Error() = %q", noDetail.Error())
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Client.FetchMovie", ErrIncompleteData, "missing plot")
	if !errors.Is(err, ErrIncompleteData) {
		t.Error("errors.Is should match the wrapped sentinel")
	}
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"sentinel", ErrMovieNotFound, CodeMovieNotFound},
		{"domain error", NewDomainError("op", ErrLookupTimeout, "d"), CodeLookupTimeout},
		{"wrapped", fmt.Errorf("outer: %w", ErrDeliveryRejected), CodeDeliveryRejected},
		{"unknown", fmt.Errorf("plain"), CodeUnknown},
		{"config", ErrProviderConfigMissing, CodeProviderConfigMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCodeOf(tt.err); got != tt.want {
				t.Errorf("ErrorCodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		ErrLookupTimeout,
		ErrProviderUnavailable,
		ErrLookupFailed,
		ErrDispatchFailed,
		fmt.Errorf("transport: %w", ErrProviderUnavailable),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false, want true", err)
		}
	}

	permanent := []error{
		ErrMissingField,
		ErrInvalidEmail,
		ErrMovieNotFound,
		ErrIncompleteData,
		ErrProviderConfigMissing,
		ErrDeliveryRejected,
		NewDomainError("op", ErrMovieNotFound, "no such title"),
	}
	for _, err := range permanent {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", err)
		}
	}
}
