package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine failure taxonomy. Admission denial is not
// represented here: it is a normal branch, not an error.
var (
	// ErrProviderFetch wraps network/HTTP/timeout failures from the opaque
	// provider fetch.
	ErrProviderFetch = errors.New("provider fetch failed")
	// ErrCacheBackend wraps durable-tier read/write failures. It never blocks
	// the local-tier path.
	ErrCacheBackend = errors.New("cache backend unavailable")
	// ErrNoData signals that neither a fresh fetch nor any cached fallback
	// was available.
	ErrNoData = errors.New("no data available")
	// ErrConfiguration signals malformed engine configuration.
	ErrConfiguration = errors.New("configuration error")
)

// AmbiguousOutcomeError marks a fetch failure whose server-side effect is
// unknown (e.g. a timeout after the request was sent). The quota tracker
// still charges these conservatively, since the provider may have billed the
// call.
type AmbiguousOutcomeError struct {
	Err error
}

func (e *AmbiguousOutcomeError) Error() string {
	return fmt.Sprintf("ambiguous fetch outcome: %v", e.Err)
}

func (e *AmbiguousOutcomeError) Unwrap() error {
	return e.Err
}

// IsAmbiguousOutcome reports whether err carries an AmbiguousOutcomeError.
func IsAmbiguousOutcome(err error) bool {
	var amb *AmbiguousOutcomeError
	return errors.As(err, &amb)
}
