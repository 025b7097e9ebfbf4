package hxdefer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/pthm/hxdefer/lib/encoding"
)

func TestErrorClassification(t *testing.T) {
	loadErr := fmt.Errorf("%w: map: network down", ErrLoadFailed)
	tokenErr := wrapEncodingError(fmt.Errorf("decode: %w", encoding.ErrSignatureInvalid))

	tests := []struct {
		name       string
		err        error
		notFound   bool
		decryption bool
		load       bool
		status     int
	}{
		{"nil", nil, false, false, false, http.StatusOK},
		{"not found", fmt.Errorf("wrapped: %w", ErrNotFound), true, false, false, http.StatusNotFound},
		{"bad format", ErrInvalidFormat, false, true, false, http.StatusBadRequest},
		{"decrypt", ErrDecryptFailed, false, true, false, http.StatusBadRequest},
		{"token", tokenErr, false, true, false, http.StatusBadRequest},
		{"load", loadErr, false, false, true, http.StatusInternalServerError},
		{"hydration", ErrHydrationFailed, false, false, false, http.StatusInternalServerError},
		{"cancelled", context.Canceled, false, false, false, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), false, false, false, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if got := IsDecryptionError(tt.err); got != tt.decryption {
				t.Errorf("IsDecryptionError = %v, want %v", got, tt.decryption)
			}
			if got := IsLoadFailure(tt.err); got != tt.load {
				t.Errorf("IsLoadFailure = %v, want %v", got, tt.load)
			}
			if got := StatusCode(tt.err); got != tt.status {
				t.Errorf("StatusCode = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestWrapEncodingError(t *testing.T) {
	pairs := map[error]error{
		encoding.ErrInvalidFormat:    ErrInvalidFormat,
		encoding.ErrSignatureInvalid: ErrSignatureInvalid,
		encoding.ErrDecryptFailed:    ErrDecryptFailed,
	}
	for in, want := range pairs {
		got := wrapEncodingError(in)
		if !errors.Is(got, want) || !errors.Is(got, in) {
			t.Errorf("wrapEncodingError(%v) = %v, want both %v and the original", in, got, want)
		}
	}

	if wrapEncodingError(nil) != nil {
		t.Error("nil should stay nil")
	}
	other := errors.New("other")
	if wrapEncodingError(other) != other {
		t.Error("unknown errors should pass through untouched")
	}
}
