package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/onexay/forge/internal/coordinator"
	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/repodir"
	"github.com/onexay/forge/internal/storage"
	"github.com/onexay/forge/internal/types"
)

// Result is the outcome of one push.
type Result struct {
	PushID     string                `json:"pushId"`
	Slug       string                `json:"slug"`
	State      State                 `json:"state"`
	Reason     Reason                `json:"reason,omitempty"`
	Message    string                `json:"message,omitempty"`
	Retryable  bool                  `json:"retryable"`
	RefUpdates []types.RefUpdate     `json:"refUpdates,omitempty"`
	Conflicts  []storage.RefConflict `json:"conflicts,omitempty"`
	RefDiff    string                `json:"refDiff,omitempty"`
	PushNumber int64                 `json:"pushNumber,omitempty"`

	ObjectsReceived int   `json:"objectsReceived"`
	ObjectsWritten  int   `json:"objectsWritten"`
	BytesStored     int64 `json:"bytesStored"`
}

// PayloadTooLargeError aborts Receiving once more than Limit bytes arrived.
type PayloadTooLargeError struct {
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("push payload exceeds %d bytes", e.Limit)
}

// MissingObjectError reports a reference to an object that is neither in the
// push nor already stored. Referrer is empty when a ref update points at it.
type MissingObjectError struct {
	Hash     string
	Referrer string
}

func (e *MissingObjectError) Error() string {
	if e.Referrer == "" {
		return "ref target " + e.Hash + " is not in the push or the repository"
	}
	return "object " + e.Referrer + " references missing object " + e.Hash
}

// ErrMalformedPayload wraps framing errors in a push or pull body.
var ErrMalformedPayload = errors.New("malformed payload")

// Classify maps any error returned while handling a transfer to a Reason.
// Unknown errors are storage faults.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}

	var (
		payloadTooLarge *PayloadTooLargeError
		objectTooLarge  *storage.ObjectTooLargeError
		hashMismatch    *storage.HashMismatchError
		missing         *MissingObjectError
		conflict        *storage.RefConflictError
		notFound        *storage.NotFoundError
		invalidSlug     *repodir.InvalidSlugError
		validation      *storage.ValidationError
	)
	switch {
	case errors.As(err, &payloadTooLarge):
		return ReasonPayloadTooLarge
	case errors.As(err, &objectTooLarge):
		return ReasonObjectTooLarge
	case errors.As(err, &hashMismatch):
		return ReasonHashMismatch
	case errors.As(err, &missing):
		return ReasonMissingObject
	case errors.Is(err, object.ErrMalformed), errors.Is(err, ErrMalformedPayload):
		return ReasonMalformedObject
	case errors.As(err, &conflict):
		return ReasonRefConflict
	case errors.Is(err, coordinator.ErrBusy):
		return ReasonBusy
	case errors.As(err, &invalidSlug):
		return ReasonInvalidSlug
	case errors.As(err, &notFound):
		return ReasonNotFound
	case errors.As(err, &validation):
		return ReasonInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	}
	return ReasonStorageIO
}

func (r *Result) fail(err error) {
	r.Reason = Classify(err)
	r.State = r.Reason.terminalState()
	r.Retryable = r.Reason.Retryable()
	r.Message = err.Error()

	var conflict *storage.RefConflictError
	if errors.As(err, &conflict) {
		r.Conflicts = conflict.Conflicts
	}
}
