package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a1", []byte("RIFF-audio"), "audio/wav"))
	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []byte("RIFF-audio"), got)

	require.NoError(t, s.Put(ctx, "a1", []byte("second"), "audio/wav"))
	got, err = s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)

	require.NoError(t, s.Delete(ctx, "a1"))
	require.NoError(t, s.Delete(ctx, "a1"))
	_, err = s.Get(ctx, "a1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesInput(t *testing.T) {
	s := NewMemoryStore()
	data := []byte("abc")
	require.NoError(t, s.Put(context.Background(), "k", data, ""))
	data[0] = 'z'
	got, _ := s.Get(context.Background(), "k")
	require.Equal(t, []byte("abc"), got)
}

func TestFSStore(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFSStoreRejectsPathKeys(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.Error(t, s.Put(context.Background(), "../escape", []byte("x"), ""))
	require.Error(t, s.Put(context.Background(), "", []byte("x"), ""))
}

// fakeS3 implements the path-style object subset the store uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3StoreAgainstFakeEndpoint(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	store := NewS3StoreFromClient(client, "voxgate", "audio/")

	exerciseStore(t, store)

	require.NoError(t, store.Put(context.Background(), "k2", []byte("x"), "audio/wav"))
	fake.mu.Lock()
	_, ok := fake.objects["voxgate/audio/k2"]
	fake.mu.Unlock()
	require.True(t, ok, "object should be stored under bucket/prefix/key")
}
