package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	key := "0xcaller:" + now.Format(time.RFC3339Nano)
	first := Record{Status: 201, Body: []byte(`{"id":1}`), Fingerprint: "fp1", SavedAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.Put(ctx, key, first); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A second put inside the window does not replace the first response.
	second := first
	second.Body, second.Fingerprint = []byte(`{"id":2}`), "fp2"
	if err := store.Put(ctx, key, second); err != nil {
		t.Fatalf("put again: %v", err)
	}
	got, err := store.Lookup(ctx, key, now)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.Status != 201 || got.Fingerprint != "fp1" {
		t.Fatalf("unexpected record: %#v", got)
	}

	if got, _ := store.Lookup(ctx, key, now.Add(time.Minute)); got != nil {
		t.Fatalf("expired record returned: %#v", got)
	}
	n, err := store.Sweep(ctx, now.Add(time.Minute))
	if err != nil || n < 1 {
		t.Fatalf("sweep removed %d, err %v", n, err)
	}
}
