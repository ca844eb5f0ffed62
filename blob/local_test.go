package blob

import (
	"context"
	"errors"
	"testing"
)

func TestLocalPutGet(t *testing.T) {
	// WHAT: Round-trip an object through the local store.
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "raw-quality", "FRM-001/ing-1/abc123", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := s.Get(ctx, "raw-quality", "FRM-001/ing-1/abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q", data)
	}
}

func TestLocalGetMissing(t *testing.T) {
	// WHAT: Missing objects surface ErrNotFound.
	// WHY: Callers branch on ErrNotFound rather than filesystem errors.
	s, _ := NewLocalStore(t.TempDir())
	_, err := s.Get(context.Background(), "raw-quality", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestLocalListPrefix(t *testing.T) {
	// WHAT: ListPrefix returns only keys under the prefix, sorted.
	s, _ := NewLocalStore(t.TempDir())
	ctx := context.Background()

	for _, k := range []string{"a/1", "a/2", "b/1"} {
		if err := s.Put(ctx, "c", k, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	keys, err := s.ListPrefix(ctx, "c", "a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
		t.Errorf("got %v", keys)
	}

	// Unknown prefix lists empty, not an error.
	keys, err = s.ListPrefix(ctx, "c", "z")
	if err != nil || len(keys) != 0 {
		t.Errorf("empty prefix: %v, %v", keys, err)
	}
}
