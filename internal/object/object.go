package object

import (
	"bytes"
	"errors"
	"fmt"
)

// Kind enumerates the object types a repository stores.
type Kind string

const (
	KindCommit Kind = "commit"
	KindTree   Kind = "tree"
	KindBlob   Kind = "blob"
)

// ParseKind maps the header token of an object to its Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCommit, KindTree, KindBlob:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrMalformed, s)
	}
}

// ErrMalformed signals canonical bytes that do not follow the object layout.
var ErrMalformed = errors.New("malformed object")

const refPrefix = "ref "

// Object is a decoded view over canonical object bytes.
//
// The canonical layout is a kind line, zero or more "ref <hash>" lines, an
// empty line and the payload. The hash covers all of it.
type Object struct {
	Hash    string
	Kind    Kind
	Refs    []string
	Payload []byte
	Raw     []byte
}

// Size returns the length of the canonical bytes.
func (o Object) Size() int64 {
	return int64(len(o.Raw))
}

// Encode builds canonical bytes for an object.
func Encode(kind Kind, refs []string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(kind) + 2 + len(refs)*(len(refPrefix)+HashLength+1) + len(payload))
	buf.WriteString(string(kind))
	buf.WriteByte('\n')
	for _, ref := range refs {
		buf.WriteString(refPrefix)
		buf.WriteString(ref)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(payload)
	return buf.Bytes()
}

// New encodes and parses in one step. It is mostly useful to callers that
// author objects, such as tests and clients.
func New(kind Kind, refs []string, payload []byte) (Object, error) {
	return Parse(Encode(kind, refs, payload))
}

// Parse decodes canonical bytes and computes their hash.
func Parse(raw []byte) (Object, error) {
	header, payload, ok := bytes.Cut(raw, []byte("\n\n"))
	if !ok {
		return Object{}, fmt.Errorf("%w: missing header terminator", ErrMalformed)
	}

	lines := bytes.Split(header, []byte("\n"))
	kind, err := ParseKind(string(lines[0]))
	if err != nil {
		return Object{}, err
	}

	var refs []string
	for _, line := range lines[1:] {
		ref, found := bytes.CutPrefix(line, []byte(refPrefix))
		if !found {
			return Object{}, fmt.Errorf("%w: unexpected header line %q", ErrMalformed, line)
		}
		if !ValidHash(string(ref)) {
			return Object{}, fmt.Errorf("%w: bad reference %q", ErrMalformed, ref)
		}
		refs = append(refs, string(ref))
	}

	if kind == KindBlob && len(refs) > 0 {
		return Object{}, fmt.Errorf("%w: blob objects cannot carry references", ErrMalformed)
	}

	return Object{
		Hash:    ComputeHash(raw),
		Kind:    kind,
		Refs:    refs,
		Payload: payload,
		Raw:     raw,
	}, nil
}
