package transfer

// State is a step of the push lifecycle. Receiving, Validating and Applying
// are transient; the other three are terminal.
type State string

const (
	StateReceiving  State = "receiving"
	StateValidating State = "validating"
	StateApplying   State = "applying"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
)

// Reason classifies why a transfer did not commit.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonPayloadTooLarge Reason = "payload_too_large"
	ReasonObjectTooLarge  Reason = "object_too_large"
	ReasonHashMismatch    Reason = "hash_mismatch"
	ReasonMalformedObject Reason = "malformed_object"
	ReasonMissingObject   Reason = "missing_object"
	ReasonInvalidRequest  Reason = "invalid_request"
	ReasonRefConflict     Reason = "ref_conflict"
	ReasonBusy            Reason = "busy"
	ReasonTimeout         Reason = "timeout"
	ReasonCanceled        Reason = "canceled"
	ReasonNotFound        Reason = "not_found"
	ReasonInvalidSlug     Reason = "invalid_slug"
	ReasonStorageIO       Reason = "storage_io"
)

// Retryable reports whether resubmitting the same push may succeed. The
// server never resubmits on its own.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonBusy, ReasonTimeout, ReasonStorageIO:
		return true
	}
	return false
}

// terminalState maps a failure to the state a push ends in. Only server-side
// storage faults count as Failed.
func (r Reason) terminalState() State {
	switch r {
	case ReasonNone:
		return StateCommitted
	case ReasonStorageIO:
		return StateFailed
	}
	return StateRejected
}
