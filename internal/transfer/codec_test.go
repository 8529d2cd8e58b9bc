package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/storage"
	"github.com/onexay/forge/internal/types"
)

func mustObject(t *testing.T, kind object.Kind, refs []string, payload string) object.Object {
	t.Helper()
	obj, err := object.New(kind, refs, []byte(payload))
	require.NoError(t, err)
	return obj
}

func encodePush(t *testing.T, updates []types.RefUpdate, objs ...object.Object) []byte {
	t.Helper()
	raws := make([][]byte, 0, len(objs))
	for _, obj := range objs {
		raws = append(raws, obj.Raw)
	}
	var buf bytes.Buffer
	require.NoError(t, EncodePush(&buf, updates, raws))
	return buf.Bytes()
}

func TestDecodePushRoundTrip(t *testing.T) {
	b := mustObject(t, object.KindBlob, nil, "hello")
	c := mustObject(t, object.KindCommit, []string{b.Hash}, "initial")
	updates := []types.RefUpdate{
		{Name: "main", New: c.Hash},
		{Name: "refs/tags/v1", Expected: b.Hash},
	}

	req, err := DecodePush(context.Background(), bytes.NewReader(encodePush(t, updates, b, c)), Limits{})
	require.NoError(t, err)
	require.Equal(t, updates, req.Updates)
	require.Len(t, req.Objects, 2)
	require.Equal(t, b.Hash, req.Objects[0].Hash)
	require.Equal(t, c.Raw, req.Objects[1].Data)
}

func TestDecodePushRejectsMalformed(t *testing.T) {
	h := object.ComputeHash([]byte("x"))
	cases := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"bad magic", "git-push 1\nupdate main - " + h + "\ndone\n"},
		{"no updates", "forge-push 1\ndone\n"},
		{"missing done", "forge-push 1\nupdate main - " + h + "\n"},
		{"update fields", "forge-push 1\nupdate main " + h + "\ndone\n"},
		{"bad new hash", "forge-push 1\nupdate main - abc\ndone\n"},
		{"noop update", "forge-push 1\nupdate main - -\ndone\n"},
		{"duplicate ref", "forge-push 1\nupdate main - " + h + "\nupdate main - " + h + "\ndone\n"},
		{"bad ref name", "forge-push 1\nupdate ../main - " + h + "\ndone\n"},
		{"unknown line", "forge-push 1\nupdate main - " + h + "\nhello\ndone\n"},
		{"truncated object", "forge-push 1\nupdate main - " + h + "\nobject " + h + " 10\nabc"},
		{"object overrun", "forge-push 1\nupdate main - " + h + "\nobject " + h + " 1\nxyz\ndone\n"},
		{"negative size", "forge-push 1\nupdate main - " + h + "\nobject " + h + " -1\n\ndone\n"},
		{"trailing data", "forge-push 1\nupdate main - " + h + "\ndone\nextra"},
		{"update after object", "forge-push 1\nupdate main - " + h + "\nobject " + h + " 1\nx\nupdate dev - " + h + "\ndone\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePush(context.Background(), strings.NewReader(tc.payload), Limits{})
			require.ErrorIs(t, err, ErrMalformedPayload)
			require.Equal(t, ReasonMalformedObject, Classify(err))
		})
	}
}

func TestDecodePushBodyLimit(t *testing.T) {
	blob := mustObject(t, object.KindBlob, nil, strings.Repeat("a", 512))
	payload := encodePush(t, []types.RefUpdate{{Name: "main", New: blob.Hash}}, blob)
	limit := int64(len(payload))

	_, err := DecodePush(context.Background(), bytes.NewReader(payload), Limits{PushBodyLimit: limit})
	require.NoError(t, err, "a payload of exactly the limit is accepted")

	over := append(append([]byte{}, payload...), '\n')
	_, err = DecodePush(context.Background(), bytes.NewReader(over), Limits{PushBodyLimit: limit})
	var tooLarge *PayloadTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.Equal(t, ReasonPayloadTooLarge, Classify(err))
}

func TestDecodePushFailsBeforeReadingOversizedBodies(t *testing.T) {
	h := object.ComputeHash([]byte("big"))
	header := "forge-push 1\nupdate main - " + h + "\nobject " + h + " 1000000\n"

	// The reader errors if anything past the header is requested.
	r := io.MultiReader(strings.NewReader(header), failingReader{})

	_, err := DecodePush(context.Background(), r, Limits{FileSizeCeiling: 1024})
	var tooLarge *storage.ObjectTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	require.EqualValues(t, 1000000, tooLarge.Size)

	r = io.MultiReader(strings.NewReader(header), failingReader{})
	_, err = DecodePush(context.Background(), r, Limits{PushBodyLimit: 4096})
	var payloadTooLarge *PayloadTooLargeError
	require.ErrorAs(t, err, &payloadTooLarge)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("body should not be read")
}

func TestDecodePushHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write([]byte(PushMagic + "\n"))
		<-ctx.Done()
		_, _ = pw.Write([]byte("update"))
	}()

	_, err := DecodePush(ctx, pr, Limits{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, ReasonTimeout, Classify(err))
}

func TestPackRoundTrip(t *testing.T) {
	b := mustObject(t, object.KindBlob, nil, "content")
	c := mustObject(t, object.KindCommit, []string{b.Hash}, "msg")
	refs := []types.Ref{{Name: "main", Hash: c.Hash}}

	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, refs)
	require.NoError(t, err)
	require.NoError(t, pw.WriteObject(c))
	require.NoError(t, pw.WriteObject(b))
	require.NoError(t, pw.Close())

	pack, err := DecodePack(&buf)
	require.NoError(t, err)
	require.Equal(t, refs, pack.Refs)
	require.Len(t, pack.Objects, 2)
	require.Equal(t, c.Hash, pack.Objects[0].Hash)
	require.Equal(t, []string{b.Hash}, pack.Objects[0].Refs)
}

func TestDecodePackDetectsTruncation(t *testing.T) {
	b := mustObject(t, object.KindBlob, nil, "content")
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, nil)
	require.NoError(t, err)
	require.NoError(t, pw.WriteObject(b))
	require.NoError(t, pw.bw.Flush())

	_, err = DecodePack(&buf)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestValidRefName(t *testing.T) {
	for _, name := range []string{"main", "refs/heads/feature-x", "v1.2.3", "release/2026"} {
		require.True(t, ValidRefName(name), name)
	}
	for _, name := range []string{"", "a b", "a..b", "/main", "main/", "tab\tname", strings.Repeat("r", 256)} {
		require.False(t, ValidRefName(name), name)
	}
}
