package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeS3 serves path-style object requests from memory
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
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(data)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	server := httptest.NewServer(fake)
	defer server.Close()

	store, err := NewS3Store(S3Options{
		Endpoint:        server.URL,
		Region:          "us-east-1",
		Bucket:          "narration",
		Prefix:          "dev",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("Failed to create S3 store: %v", err)
	}
	ctx := context.Background()

	if err := PutBytes(ctx, store, "jobs/j/final.wav", []byte("audio")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := fake.objects["narration/dev/jobs/j/final.wav"]; !ok {
		t.Fatalf("Expected prefixed key in bucket, got %v", fake.objects)
	}

	exists, err := store.Exists(ctx, "jobs/j/final.wav")
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true", exists, err)
	}
	exists, err = store.Exists(ctx, "jobs/j/missing.wav")
	if err != nil || exists {
		t.Errorf("Exists(missing) = %v, %v; want false, nil", exists, err)
	}

	data, err := ReadAll(ctx, store, "jobs/j/final.wav")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "audio" {
		t.Errorf("Expected 'audio', got %q", data)
	}

	if _, err := store.Get(ctx, "jobs/j/missing.wav"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.Delete(ctx, "jobs/j/final.wav"); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
}
