// Package syncerr defines the failure taxonomy of the mod update engine.
//
// Every stage returns one of these as an error value; nothing panics on an
// integrity failure. Callers classify with errors.As and errors.Is.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// ErrCanceled reports that the caller aborted an update in progress.
var ErrCanceled = errors.New("update canceled")

// Integrity checks performed on a downloaded file.
const (
	CheckTransferHash = "transfer-hash"
	CheckContentSize  = "content-size"
	CheckContentHash  = "content-hash"
	// The payload matched its digest but is not a valid compressed stream
	CheckContentDecode = "content-decode"
)

// ManifestFetchError is a network or parse failure while retrieving the update manifest.
// No plan is built; the whole check can be retried.
type ManifestFetchError struct {
	Endpoint string
	Err      error
}

func (e *ManifestFetchError) Error() string {
	return fmt.Sprintf("failed to fetch update manifest from %s: %v", e.Endpoint, e.Err)
}

func (e *ManifestFetchError) Unwrap() error { return e.Err }

// IntegrityError is a transfer payload or decompressed file that does not match
// its declared digest or size. Fatal to the whole plan.
type IntegrityError struct {
	Path     string
	Check    string
	Expected string
	Actual   string
	// Decoder failure behind a content-decode check
	Err error
}

func (e *IntegrityError) Error() string {
	switch e.Check {
	case CheckContentDecode:
		return fmt.Sprintf("downloaded payload for %s could not be decompressed: %v", e.Path, e.Err)
	case CheckContentSize:
		return fmt.Sprintf("decompressed file %s is not of correct size. Expected: %s, got: %s", e.Path, e.Expected, e.Actual)
	case CheckContentHash:
		return fmt.Sprintf("decompressed file %s has the wrong hash. Expected: %s, got: %s", e.Path, e.Expected, e.Actual)
	default:
		return fmt.Sprintf("downloaded payload for %s has the wrong hash. Expected: %s, got: %s", e.Path, e.Expected, e.Actual)
	}
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// TransferError is a network failure while downloading a payload.
type TransferError struct {
	Path string
	URL  string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to download %s (%s): %v", e.Path, e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ApplyIOError is a filesystem failure while staging or applying an update.
type ApplyIOError struct {
	Path string
	Op   string
	Err  error
}

func (e *ApplyIOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ApplyIOError) Unwrap() error { return e.Err }

// Canceled wraps the cause of a context cancellation so it matches ErrCanceled.
func Canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, ErrCanceled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// IsFatal reports whether err must abort an update plan.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var integrity *IntegrityError
	var transfer *TransferError
	var fetch *ManifestFetchError
	return errors.As(err, &integrity) || errors.As(err, &transfer) ||
		errors.As(err, &fetch) || errors.Is(err, ErrCanceled)
}

// Message returns the human-readable text handed to an error observer.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCanceled) {
		return "The update was canceled."
	}
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		return integrity.Error()
	}
	var transfer *TransferError
	if errors.As(err, &transfer) {
		return transfer.Error()
	}
	return err.Error()
}
