package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, "devices/a/gerber_zip/f1/board.zip", strings.NewReader("gerber"), 6, "application/zip"); err != nil {
		t.Fatalf("put: %v", err)
	}
	object, err := store.Get("devices/a/gerber_zip/f1/board.zip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(object.Data) != "gerber" || object.ContentType != "application/zip" {
		t.Fatalf("unexpected object %#v", object)
	}

	if err := store.Delete(ctx, "devices/a/gerber_zip/f1/board.zip"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("devices/a/gerber_zip/f1/board.zip"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestMemoryStorePresignGet(t *testing.T) {
	store := NewMemoryStore()
	store.clock = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	ctx := context.Background()

	if _, err := store.PresignGet(ctx, "missing", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := store.Put(ctx, "devices/a/bom.csv", strings.NewReader("ref,qty"), 7, "text/csv"); err != nil {
		t.Fatalf("put: %v", err)
	}
	locator, err := store.PresignGet(ctx, "devices/a/bom.csv", time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	expected := "memory:///devices/a/bom.csv?expires=2024-01-02T04%3A04%3A05Z"
	if locator != expected {
		t.Fatalf("expected %s, got %s", expected, locator)
	}
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Put(ctx, "key", strings.NewReader("x"), 1, ""); err == nil {
		t.Fatalf("expected cancelled context error")
	}
}

func TestNewMinioStoreValidatesConfig(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Bucket: "artifacts"}); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected bucket error")
	}
}
