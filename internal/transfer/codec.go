package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/storage"
	"github.com/onexay/forge/internal/types"
)

const (
	PushMagic = "forge-push 1"
	PackMagic = "forge-pack 1"

	ContentTypePush = "application/x-forge-push"
	ContentTypePack = "application/x-forge-objects"

	absentHash    = "-"
	maxRefNameLen = 255
	lineBufSize   = 4096
)

// Limits bound a push. Zero disables a limit.
type Limits struct {
	PushBodyLimit   int64
	FileSizeCeiling int64
}

// PushRequest is a fully received push payload.
type PushRequest struct {
	Updates []types.RefUpdate
	Objects []PushedObject
}

// PushedObject is an object as claimed by the client. Hash is not verified
// until Validating.
type PushedObject struct {
	Hash string
	Data []byte
}

// limitedReader counts every byte pulled from the client and fails as soon as
// the count passes limit.
type limitedReader struct {
	ctx   context.Context
	r     io.Reader
	limit int64
	n     int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	if l.limit > 0 {
		if l.n > l.limit {
			return 0, &PayloadTooLargeError{Limit: l.limit}
		}
		if room := l.limit + 1 - l.n; int64(len(p)) > room {
			p = p[:room]
		}
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.limit > 0 && l.n > l.limit {
		return 0, &PayloadTooLargeError{Limit: l.limit}
	}
	return n, err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadSlice('\n')
	switch {
	case err == nil:
		return string(line[:len(line)-1]), nil
	case errors.Is(err, bufio.ErrBufferFull):
		return "", malformed("line longer than %d bytes", lineBufSize)
	case errors.Is(err, io.EOF):
		return "", malformed("unexpected end of payload")
	}
	return "", err
}

// ValidRefName reports whether name can be carried in a push.
func ValidRefName(name string) bool {
	if name == "" || len(name) > maxRefNameLen {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	for _, r := range name {
		if r == ' ' || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func parseWireHash(field string) (string, bool) {
	if field == absentHash {
		return "", true
	}
	return field, object.ValidHash(field)
}

func wireHash(hash string) string {
	if hash == "" {
		return absentHash
	}
	return hash
}

// DecodePush reads a push payload, enforcing the body limit while reading and
// the per-object ceiling from each declared size before its bytes are read.
func DecodePush(ctx context.Context, r io.Reader, limits Limits) (*PushRequest, error) {
	lr := &limitedReader{ctx: ctx, r: r, limit: limits.PushBodyLimit}
	br := bufio.NewReaderSize(lr, lineBufSize)

	magic, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if magic != PushMagic {
		return nil, malformed("expected %q header", PushMagic)
	}

	req := &PushRequest{}
	seen := make(map[string]struct{})
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}

		switch {
		case line == "done":
			if len(req.Updates) == 0 {
				return nil, malformed("push carries no ref updates")
			}
			if _, err := br.ReadByte(); err == nil {
				return nil, malformed("data after done")
			} else if !errors.Is(err, io.EOF) {
				return nil, err
			}
			return req, nil

		case strings.HasPrefix(line, "update "):
			if len(req.Objects) > 0 {
				return nil, malformed("update after object section")
			}
			fields := strings.Fields(strings.TrimPrefix(line, "update "))
			if len(fields) != 3 {
				return nil, malformed("update line needs name, expected and new")
			}
			name := fields[0]
			if !ValidRefName(name) {
				return nil, malformed("invalid ref name %q", name)
			}
			if _, dup := seen[name]; dup {
				return nil, malformed("ref %s updated twice", name)
			}
			seen[name] = struct{}{}
			expected, ok := parseWireHash(fields[1])
			if !ok {
				return nil, malformed("invalid expected hash for %s", name)
			}
			next, ok := parseWireHash(fields[2])
			if !ok {
				return nil, malformed("invalid new hash for %s", name)
			}
			if expected == "" && next == "" {
				return nil, malformed("update of %s changes nothing", name)
			}
			req.Updates = append(req.Updates, types.RefUpdate{Name: name, Expected: expected, New: next})

		case strings.HasPrefix(line, "object "):
			obj, err := readObjectEntry(br, lr, line, limits)
			if err != nil {
				return nil, err
			}
			req.Objects = append(req.Objects, obj)

		default:
			return nil, malformed("unexpected line %.40q", line)
		}
	}
}

func parseObjectHeader(line string) (string, int64, error) {
	fields := strings.Fields(strings.TrimPrefix(line, "object "))
	if len(fields) != 2 {
		return "", 0, malformed("object line needs hash and size")
	}
	if !object.ValidHash(fields[0]) {
		return "", 0, malformed("invalid object hash %.80q", fields[0])
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return "", 0, malformed("invalid size for object %s", fields[0])
	}
	return fields[0], size, nil
}

func readObjectEntry(br *bufio.Reader, lr *limitedReader, line string, limits Limits) (PushedObject, error) {
	hash, size, err := parseObjectHeader(line)
	if err != nil {
		return PushedObject{}, err
	}
	if limits.FileSizeCeiling > 0 && size > limits.FileSizeCeiling {
		return PushedObject{}, &storage.ObjectTooLargeError{Hash: hash, Size: size, Limit: limits.FileSizeCeiling}
	}
	if limits.PushBodyLimit > 0 {
		consumed := lr.n - int64(br.Buffered())
		if consumed+size > limits.PushBodyLimit {
			return PushedObject{}, &PayloadTooLargeError{Limit: limits.PushBodyLimit}
		}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(br, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return PushedObject{}, malformed("object %s truncated", hash)
		}
		return PushedObject{}, err
	}
	if err := expectNewline(br, hash); err != nil {
		return PushedObject{}, err
	}
	return PushedObject{Hash: hash, Data: data}, nil
}

func expectNewline(br *bufio.Reader, hash string) error {
	b, err := br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return malformed("object %s truncated", hash)
		}
		return err
	}
	if b != '\n' {
		return malformed("object %s longer than declared", hash)
	}
	return nil
}

// EncodePush writes a push payload. Objects are written in the given order.
func EncodePush(w io.Writer, updates []types.RefUpdate, objects [][]byte) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n", PushMagic)
	for _, u := range updates {
		fmt.Fprintf(bw, "update %s %s %s\n", u.Name, wireHash(u.Expected), wireHash(u.New))
	}
	for _, data := range objects {
		if err := writeObjectEntry(bw, object.ComputeHash(data), data); err != nil {
			return err
		}
	}
	bw.WriteString("done\n")
	return bw.Flush()
}

func writeObjectEntry(bw *bufio.Writer, hash string, data []byte) error {
	fmt.Fprintf(bw, "object %s %d\n", hash, len(data))
	bw.Write(data)
	return bw.WriteByte('\n')
}

// PackWriter streams a pull response.
type PackWriter struct {
	bw *bufio.Writer
}

// NewPackWriter writes the header and the resolved refs.
func NewPackWriter(w io.Writer, refs []types.Ref) (*PackWriter, error) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n", PackMagic)
	for _, ref := range refs {
		fmt.Fprintf(bw, "ref %s %s\n", ref.Name, ref.Hash)
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return &PackWriter{bw: bw}, nil
}

// WriteObject appends one object entry.
func (pw *PackWriter) WriteObject(obj object.Object) error {
	return writeObjectEntry(pw.bw, obj.Hash, obj.Raw)
}

// Close terminates the pack. A reader that never sees the terminator knows
// the stream was cut short.
func (pw *PackWriter) Close() error {
	pw.bw.WriteString("done\n")
	return pw.bw.Flush()
}

// Pack is a decoded pull response.
type Pack struct {
	Refs    []types.Ref
	Objects []object.Object
}

// DecodePack reads a pull response and verifies every object's hash.
func DecodePack(r io.Reader) (*Pack, error) {
	br := bufio.NewReaderSize(r, lineBufSize)
	magic, err := readLine(br)
	if err != nil {
		return nil, err
	}
	if magic != PackMagic {
		return nil, malformed("expected %q header", PackMagic)
	}

	pack := &Pack{}
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		switch {
		case line == "done":
			return pack, nil
		case strings.HasPrefix(line, "ref "):
			fields := strings.Fields(strings.TrimPrefix(line, "ref "))
			if len(fields) != 2 || !object.ValidHash(fields[1]) {
				return nil, malformed("invalid ref line")
			}
			pack.Refs = append(pack.Refs, types.Ref{Name: fields[0], Hash: fields[1]})
		case strings.HasPrefix(line, "object "):
			hash, size, err := parseObjectHeader(line)
			if err != nil {
				return nil, err
			}
			data := make([]byte, size)
			if _, err := io.ReadFull(br, data); err != nil {
				return nil, malformed("object %s truncated", hash)
			}
			if err := expectNewline(br, hash); err != nil {
				return nil, err
			}
			obj, err := object.Parse(data)
			if err != nil {
				return nil, err
			}
			if obj.Hash != hash {
				return nil, &storage.HashMismatchError{Claimed: hash, Computed: obj.Hash}
			}
			pack.Objects = append(pack.Objects, obj)
		default:
			return nil, malformed("unexpected line %.40q", line)
		}
	}
}
