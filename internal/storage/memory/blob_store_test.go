package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>p1</html>")
	uri, err := store.PutObject(context.Background(), "debug/tagvenue/run/p1.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://debug/tagvenue/run/p1.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'X'
	stored, contentType, ok := store.Object("debug/tagvenue/run/p1.html")
	if !ok || string(stored) != "<html>p1</html>" || contentType != "text/html" {
		t.Fatalf("unexpected stored object %q %q %v", stored, contentType, ok)
	}
	stored[0] = 'Y'
	again, _, _ := store.Object("debug/tagvenue/run/p1.html")
	if string(again) != "<html>p1</html>" {
		t.Fatalf("expected Object to return a copy, got %q", again)
	}
}

func TestBlobStorePathsAndValidation(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
	for _, p := range []string{"b/p2.png", "a/p1.html"} {
		if _, err := store.PutObject(context.Background(), p, "", bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	paths := store.Paths()
	if len(paths) != 2 || paths[0] != "a/p1.html" || paths[1] != "b/p2.png" {
		t.Fatalf("unexpected paths %v", paths)
	}
	if _, _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
