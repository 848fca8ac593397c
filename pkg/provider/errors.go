package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamingUnsupported is returned by adapters without a streaming
	// transport. Callers must not expect a silent non-streaming fallback.
	ErrStreamingUnsupported = errors.New("streaming unsupported")

	// ErrMissingAPIKey is returned when a keyed vendor has no credential.
	ErrMissingAPIKey = errors.New("API key not set")
)

// APIError is a vendor rejection: a non-2xx status, or an error event
// delivered inside a stream (StatusCode 0).
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: API error: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// DecodeError reports a malformed response body or stream frame.
type DecodeError struct {
	Provider string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode: %v", e.Provider, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TranslationError reports a request that cannot be expressed in a
// vendor's wire format.
type TranslationError struct {
	Provider string
	Reason   string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("%s: cannot translate request: %s", e.Provider, e.Reason)
}

// IsAPIError reports whether err is a vendor rejection and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var target *APIError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsTranslationError reports whether err is a translation failure.
func IsTranslationError(err error) bool {
	var target *TranslationError
	return errors.As(err, &target)
}

// IsDecodeError reports whether err is a decode failure.
func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}
