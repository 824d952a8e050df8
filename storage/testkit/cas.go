// Package testkit holds the conformance suite every evidence backend must
// pass.
package testkit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/Wikimedia-Sverige/commonsdb-commons-supplier/storage"
)

// NewCAS constructs a fresh, empty CAS isolated from other tests.
type NewCAS func(t *testing.T) storage.CAS

// RunCASConformance checks the storage.CAS contract against newCAS.
func RunCASConformance(t *testing.T, newCAS NewCAS) {
	t.Helper()

	t.Run("put get round trip", func(t *testing.T) {
		cas, ctx := newCAS(t), testContext(t)
		want := []byte(`{"declarationId":"syxsicrttuwwwgxbyh5g"}`)

		id, err := cas.Put(ctx, want)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := storage.Check(id, want); err != nil {
			t.Fatalf("Put returned %s: %v", id, err)
		}
		got, err := cas.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get returned %q", got)
		}
	})

	t.Run("put is idempotent", func(t *testing.T) {
		cas, ctx := newCAS(t), testContext(t)
		id1, err := cas.Put(ctx, []byte("same bytes"))
		if err != nil {
			t.Fatalf("Put(1): %v", err)
		}
		id2, err := cas.Put(ctx, []byte("same bytes"))
		if err != nil {
			t.Fatalf("Put(2): %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("concurrent puts of one object", func(t *testing.T) {
		cas, ctx := newCAS(t), testContext(t)
		want, _ := storage.Sum([]byte("tsr"))
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := cas.Put(ctx, []byte("tsr"))
				if err == nil && !id.Equals(want) {
					err = storage.ErrCIDMismatch
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	})

	t.Run("empty object", func(t *testing.T) {
		cas, ctx := newCAS(t), testContext(t)
		id, err := cas.Put(ctx, nil)
		if err != nil {
			t.Fatalf("Put(nil): %v", err)
		}
		got, err := cas.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty object, got %d bytes", len(got))
		}
	})

	t.Run("has and not found", func(t *testing.T) {
		cas, ctx := newCAS(t), testContext(t)
		b := []byte("missing")
		id, err := storage.Sum(b)
		if err != nil {
			t.Fatalf("Sum: %v", err)
		}

		if ok, err := cas.Has(ctx, id); err != nil || ok {
			t.Fatalf("Has before Put = %v, %v", ok, err)
		}
		if _, err := cas.Get(ctx, id); !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got %v want ErrNotFound", err)
		}
		if _, err := cas.Put(ctx, b); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if ok, err := cas.Has(ctx, id); err != nil || !ok {
			t.Fatalf("Has after Put = %v, %v", ok, err)
		}
	})

	t.Run("undefined cid", func(t *testing.T) {
		cas, ctx := newCAS(t), testContext(t)
		if ok, err := cas.Has(ctx, cid.Undef); err != nil || ok {
			t.Fatalf("Has(Undef) = %v, %v", ok, err)
		}
		if _, err := cas.Get(ctx, cid.Undef); !errors.Is(err, storage.ErrInvalidCID) {
			t.Fatalf("Get(Undef): got %v want ErrInvalidCID", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		cas := newCAS(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := cas.Put(ctx, []byte("late")); err == nil {
			t.Fatalf("Put with canceled context succeeded")
		}
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
