package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/evolv/internal/keystate"
)

var (
	// ErrUnsupportedVersion is returned by New for versions other than 1 and 2.
	ErrUnsupportedVersion = errors.New("unsupported store version")
	// ErrDestroyed settles requests made after, or pending at, Destroy.
	ErrDestroyed = errors.New("store destroyed")
	// ErrNotInitialized is returned by Initialize when the context has no participant yet.
	ErrNotInitialized = errors.New("context must be initialized before the store")
)

// RuntimeErrorCode categorizes store runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeFetchFailed indicates the fetcher returned an error.
	ErrCodeFetchFailed RuntimeErrorCode = "FETCH_FAILED"

	// ErrCodeInvalidPayload indicates the fetched document could not be parsed.
	ErrCodeInvalidPayload RuntimeErrorCode = "INVALID_PAYLOAD"
)

// RuntimeError reports a failed load of one batch of keys.
type RuntimeError struct {
	Code    RuntimeErrorCode
	Message string
	Source  keystate.Source
	Keys    []string
	Err     error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s (source=%s, keys=[%s])", e.Code, e.Message, e.Source, strings.Join(e.Keys, ","))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsFetchFailure returns true if err is a failed or unparseable fetch.
// Uses errors.As to handle wrapped errors.
func IsFetchFailure(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeFetchFailed || re.Code == ErrCodeInvalidPayload
	}
	return false
}

func newFetchError(source keystate.Source, keys []string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeFetchFailed,
		Message: "fetch failed",
		Source:  source,
		Keys:    keys,
		Err:     err,
	}
}

func newPayloadError(source keystate.Source, keys []string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidPayload,
		Message: "payload rejected",
		Source:  source,
		Keys:    keys,
		Err:     err,
	}
}
