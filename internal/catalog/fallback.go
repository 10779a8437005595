package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/aura/internal/resilience"
)

// Fallback serves lookups from a primary catalog and switches to a backup
// while the primary is failing. Misses are answers, not failures: a product
// the primary does not know is reported as such without asking the backup.
type Fallback struct {
	primary Catalog
	chain   *resilience.Chain[Catalog]
}

var _ Catalog = (*Fallback)(nil)

// NewFallback returns a catalog that tries primary first and backup while
// primary's breaker is open or a lookup fails. The breaker opens after
// maxFailures consecutive failures and probes again after reset.
func NewFallback(primary, backup Catalog, maxFailures int, reset time.Duration) *Fallback {
	chain := resilience.NewChain[Catalog](resilience.BreakerConfig{
		MaxFailures:  maxFailures,
		ResetTimeout: reset,
		Ignore: func(err error) bool {
			return errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
	})
	chain.Add("primary", primary).Add("backup", backup)
	return &Fallback{primary: primary, chain: chain}
}

// Lookup implements [Catalog].
func (f *Fallback) Lookup(ctx context.Context, name string) (Product, error) {
	return resilience.Do(f.chain, func(c Catalog) (Product, error) {
		return c.Lookup(ctx, name)
	})
}

// Ping reports the primary's health when it can tell.
func (f *Fallback) Ping(ctx context.Context) error {
	if p, ok := f.primary.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// PrimaryState returns the state of the primary's breaker.
func (f *Fallback) PrimaryState() resilience.State {
	return f.chain.Breaker("primary").State()
}
