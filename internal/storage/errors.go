package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ConflictError signals duplicate creation attempts.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.Key + " conflicts with existing state"
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RefConflict describes one stale expectation in a compare-and-swap batch.
// Empty Expected or Actual means absent.
type RefConflict struct {
	Name     string `json:"name"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// RefConflictError is returned when a ref batch was rejected as a whole.
type RefConflictError struct {
	Conflicts []RefConflict
}

func (e *RefConflictError) Error() string {
	names := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		names = append(names, c.Name)
	}
	return "ref update rejected, stale expectation for " + strings.Join(names, ", ")
}

// ObjectTooLargeError is returned before an oversized object is written.
type ObjectTooLargeError struct {
	Hash  string
	Size  int64
	Limit int64
}

func (e *ObjectTooLargeError) Error() string {
	subject := "object"
	if e.Hash != "" {
		subject = "object " + e.Hash
	}
	return fmt.Sprintf("%s is %s, above the %s ceiling", subject,
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

// HashMismatchError is returned when submitted bytes hash to a different value
// than the one claimed for them.
type HashMismatchError struct {
	Claimed  string
	Computed string
}

func (e *HashMismatchError) Error() string {
	return "object claimed as " + e.Claimed + " hashes to " + e.Computed
}

// IOError wraps a backend failure. It is always a server-side fault.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *IOError
	if errors.As(err, &already) {
		return err
	}
	return &IOError{Op: op, Err: err}
}
