package hxdefer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pthm/hxdefer/lib/encoding"
)

var (
	// ErrNotFound is for OnError handlers and loaders that map a missing
	// resource to a 404.
	ErrNotFound = errors.New("hxdefer: resource not found")

	// Props token failures. All three answer 400.
	ErrInvalidFormat    = errors.New("hxdefer: invalid parameter format")
	ErrSignatureInvalid = errors.New("hxdefer: signature verification failed")
	ErrDecryptFailed    = errors.New("hxdefer: parameter decryption failed")

	// ErrLoadFailed wraps whatever a loader returned, including recovered
	// panics and nil modules. It is final for the wrapper.
	ErrLoadFailed = errors.New("hxdefer: deferred load failed")

	// ErrHydrationFailed wraps a loaded module's render error.
	ErrHydrationFailed = errors.New("hxdefer: hydration failed")

	ErrNotRegistered = errors.New("hxdefer: component not registered")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDecryptionError reports whether err came from a bad props token.
func IsDecryptionError(err error) bool {
	for _, target := range []error{ErrInvalidFormat, ErrSignatureInvalid, ErrDecryptFailed} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func IsLoadFailure(err error) bool { return errors.Is(err, ErrLoadFailed) }

// StatusCode is the HTTP status an activation failing with err answers.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsDecryptionError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var encodingErrors = []struct {
	from, to error
}{
	{encoding.ErrInvalidFormat, ErrInvalidFormat},
	{encoding.ErrSignatureInvalid, ErrSignatureInvalid},
	{encoding.ErrDecryptFailed, ErrDecryptFailed},
}

// wrapEncodingError tags err with the matching hxdefer sentinel. The
// encoding error stays in the chain.
func wrapEncodingError(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range encodingErrors {
		if errors.Is(err, m.from) {
			return fmt.Errorf("%w: %w", m.to, err)
		}
	}
	return err
}
