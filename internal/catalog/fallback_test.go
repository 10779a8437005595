package catalog_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/aura/internal/catalog"
	"github.com/MrWong99/aura/internal/resilience"
)

// flakyCatalog fails every lookup while down is set.
type flakyCatalog struct {
	inner catalog.Catalog
	down  atomic.Bool
	calls atomic.Int32
}

func (c *flakyCatalog) Lookup(ctx context.Context, name string) (catalog.Product, error) {
	c.calls.Add(1)
	if c.down.Load() {
		return catalog.Product{}, errors.New("dial tcp: connection refused")
	}
	return c.inner.Lookup(ctx, name)
}

func (c *flakyCatalog) Ping(context.Context) error {
	if c.down.Load() {
		return errors.New("down")
	}
	return nil
}

func TestFallback_ServesBackupWhilePrimaryDown(t *testing.T) {
	t.Parallel()
	primary := &flakyCatalog{inner: catalog.NewStatic(catalog.Product{ID: "db-1", Name: "NovaBook Pro", Price: 1})}
	f := catalog.NewFallback(primary, catalog.NewStatic(), 2, time.Hour)

	p, err := f.Lookup(t.Context(), "NovaBook Pro")
	if err != nil || p.ID != "db-1" {
		t.Fatalf("healthy lookup = %+v, %v", p, err)
	}

	primary.down.Store(true)
	for range 3 {
		p, err = f.Lookup(t.Context(), "NovaBook Pro")
		if err != nil || p.ID != "nb-pro-01" {
			t.Fatalf("degraded lookup = %+v, %v", p, err)
		}
	}
	if got := primary.calls.Load(); got != 3 {
		t.Errorf("primary calls = %d, want 3 (1 healthy + 2 before the breaker opened)", got)
	}
	if f.PrimaryState() != resilience.StateOpen {
		t.Errorf("primary breaker = %v, want open", f.PrimaryState())
	}
	if err := f.Ping(t.Context()); err == nil {
		t.Error("Ping hides the primary outage")
	}
}

func TestFallback_MissIsFinal(t *testing.T) {
	t.Parallel()
	primary := &flakyCatalog{inner: catalog.NewStatic(catalog.Product{ID: "db-1", Name: "Only Product"})}
	f := catalog.NewFallback(primary, catalog.NewStatic(), 1, time.Hour)

	for range 3 {
		_, err := f.Lookup(t.Context(), "NovaBook Pro")
		var nf *catalog.NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("err = %v, want *NotFoundError from the primary", err)
		}
	}
	if f.PrimaryState() != resilience.StateClosed {
		t.Errorf("misses opened the breaker: %v", f.PrimaryState())
	}
}
