package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeS3 is a minimal path-style object store.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = data
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, publicURL string) (*Client, *fakeS3) {
	t.Helper()
	backend := newFakeS3()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "us-east-1", "museum-audio", "test", "secret", false, publicURL)
	require.NoError(t, err)
	return client, backend
}

func TestPublicURL(t *testing.T) {
	c := &Client{publicURL: "http://localhost:9000/museum-audio/"}
	require.Equal(t, "http://localhost:9000/museum-audio/narrations/a.wav", c.PublicURL("narrations/a.wav"))

	c = &Client{publicURL: "http://localhost:9000/museum-audio"}
	require.Equal(t, "http://localhost:9000/museum-audio/narrations/a.wav", c.PublicURL("narrations/a.wav"))

	require.Empty(t, (&Client{}).PublicURL("narrations/a.wav"))
}

func TestPublishFile_PublicURL(t *testing.T) {
	client, backend := newTestClient(t, "https://cdn.example.com/audio")

	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFdata"), 0o644))

	url, err := client.PublishFile(context.Background(), "narrations/run-1.wav", path, "audio/wav")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/audio/narrations/run-1.wav", url)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, []byte("RIFFdata"), backend.objects["/museum-audio/narrations/run-1.wav"])
	require.Equal(t, "audio/wav", backend.types["/museum-audio/narrations/run-1.wav"])
}

func TestPublishFile_Presigned(t *testing.T) {
	client, _ := newTestClient(t, "")

	path := filepath.Join(t.TempDir(), "voice.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFdata"), 0o644))

	url, err := client.PublishFile(context.Background(), "narrations/run-2.wav", path, "audio/wav")
	require.NoError(t, err)
	require.True(t, strings.Contains(url, "narrations/run-2.wav"), url)
	require.Contains(t, url, "X-Amz-Signature")
}

func TestPublishFile_MissingOrEmpty(t *testing.T) {
	client, _ := newTestClient(t, "")

	_, err := client.PublishFile(context.Background(), "k", filepath.Join(t.TempDir(), "nope.wav"), "audio/wav")
	require.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.wav")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = client.PublishFile(context.Background(), "k", empty, "audio/wav")
	require.Error(t, err)
}

func TestReadObject(t *testing.T) {
	client, backend := newTestClient(t, "")
	backend.objects["/museum-audio/uploads/mask.png"] = []byte("0123456789")

	data, err := client.ReadObject(context.Background(), "uploads/mask.png", 10)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789"), data)

	_, err = client.ReadObject(context.Background(), "uploads/mask.png", 5)
	require.Error(t, err)

	_, err = client.ReadObject(context.Background(), "uploads/missing.png", 10)
	require.Error(t, err)
}
