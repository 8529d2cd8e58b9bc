package types

import "time"

// Visibility controls who may read a repository. The core only records it.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Repository captures a registered repository and its storage accounting.
type Repository struct {
	ID            string     `json:"id"`
	Slug          string     `json:"slug"`
	Root          string     `json:"root"`
	DefaultBranch string     `json:"defaultBranch"`
	Visibility    Visibility `json:"visibility"`
	SizeBytes     int64      `json:"sizeBytes"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Ref points a name (branch or tag) at exactly one object hash.
type Ref struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// RefUpdate is the only permitted ref mutation. An empty Expected means the
// ref must be absent; an empty New deletes the ref.
type RefUpdate struct {
	Name     string `json:"name"`
	Expected string `json:"expected,omitempty"`
	New      string `json:"new,omitempty"`
}

// IsCreate reports whether the update introduces a new ref.
func (u RefUpdate) IsCreate() bool {
	return u.Expected == "" && u.New != ""
}

// IsDelete reports whether the update removes the ref.
func (u RefUpdate) IsDelete() bool {
	return u.New == ""
}

// Operation names the kind of transfer a principal asked for.
type Operation string

const (
	OperationPush   Operation = "push"
	OperationPull   Operation = "pull"
	OperationAdmin  Operation = "admin"
	OperationDelete Operation = "delete"
)

// Provenance identifies who asked for an operation. Authorization has already
// been decided by the caller; the core only records it.
type Provenance struct {
	PrincipalID string    `json:"principalId"`
	Slug        string    `json:"slug"`
	Operation   Operation `json:"operation"`
}

// TransferRecord is the audit entry written for every finished push.
type TransferRecord struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	PrincipalID string    `json:"principalId"`
	Operation   Operation `json:"operation"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Message     string    `json:"message,omitempty"`
	PushNumber  int64     `json:"pushNumber,omitempty"`
	Objects     int       `json:"objects"`
	BytesStored int64     `json:"bytesStored"`
	CreatedAt   time.Time `json:"createdAt"`
}
