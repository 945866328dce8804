package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 accepts single-part PUTs and records the decoded payload.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		if body, err = decodeAWSChunked(body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	f.mu.Lock()
	f.objects[r.URL.Path] = body
	f.types[r.URL.Path] = r.Header.Get("Content-Type")
	f.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

// decodeAWSChunked strips aws-chunked framing:
// "<hex size>[;chunk-signature=...]\r\n<data>\r\n" repeated until a zero
// size chunk, optionally followed by trailer headers.
func decodeAWSChunked(framed []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(framed))
	var out bytes.Buffer
	for {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("chunk header: %w", err)
		}
		sizeHex, _, _ := strings.Cut(strings.TrimRight(header, "\r\n"), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", sizeHex, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, fmt.Errorf("chunk data: %w", err)
		}
		if crlf, err := r.ReadString('\n'); err != nil || strings.TrimRight(crlf, "\r\n") != "" {
			return nil, fmt.Errorf("chunk terminator missing after %d bytes", size)
		}
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	framed := "5;chunk-signature=aa\r\nhello\r\n" +
		"6;chunk-signature=bb\r\n world\r\n" +
		"0;chunk-signature=cc\r\n\r\n"
	got, err := decodeAWSChunked([]byte(framed))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	unsigned := "3\r\nabc\r\n0\r\nx-amz-checksum-crc32c:AAAAAA==\r\n\r\n"
	got, err = decodeAWSChunked([]byte(unsigned))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	_, err = decodeAWSChunked([]byte("5;chunk-signature=aa\r\nhel"))
	assert.Error(t, err)
}

func TestObjectStorage_UploadAndSign(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	st, err := NewObjectStorage(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "test",
		SecretKey: "testsecret",
		Bucket:    "genchain",
		URLExpiry: time.Hour,
	})
	require.NoError(t, err)

	url, err := st.UploadAndSign(context.Background(), []byte("png-bytes"), "image/png", "u1/inline/a.png")
	require.NoError(t, err)

	assert.Equal(t, []byte("png-bytes"), fake.objects["/genchain/u1/inline/a.png"])
	assert.Equal(t, "image/png", fake.types["/genchain/u1/inline/a.png"])
	assert.Contains(t, url, "/genchain/u1/inline/a.png")
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=3600")
}

func TestObjectStorage_UploadSpansSeveralChunks(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	st, err := NewObjectStorage(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "test",
		SecretKey: "testsecret",
		Bucket:    "genchain",
	})
	require.NoError(t, err)

	// Larger than one 64 KiB signed chunk.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 10_000)
	_, err = st.UploadAndSign(context.Background(), payload, "video/mp4", "u1/exec/clip.mp4")
	require.NoError(t, err)

	got := fake.objects["/genchain/u1/exec/clip.mp4"]
	assert.Len(t, got, len(payload))
	assert.True(t, bytes.Equal(payload, got), "stored object differs from the uploaded payload")
}

func TestObjectStorage_UploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	st, err := NewObjectStorage(Config{Endpoint: strings.TrimPrefix(srv.URL, "http://"), Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, DefaultURLExpiry, st.URLExpiry())

	_, err = st.UploadAndSign(context.Background(), []byte("x"), "image/png", "p.png")
	assert.Error(t, err)
}

func TestNewObjectStorage_RequiresBucket(t *testing.T) {
	_, err := NewObjectStorage(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
