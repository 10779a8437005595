// Package catalog is the product knowledge base behind the productLookup
// tool.
//
// Two implementations are provided: [Static], an in-memory table shipped
// with the binary, and [Postgres], the same data kept in a products table.
// Both match names case-insensitively and answer misses with a
// [NotFoundError] that may carry a "did you mean" suggestion.
package catalog

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is matched by every [NotFoundError].
var ErrNotFound = errors.New("catalog: product not found")

// Product is one knowledge base record.
type Product struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Category    string   `json:"category" yaml:"category"`
	Description string   `json:"description" yaml:"description"`
	Price       float64  `json:"price" yaml:"price"`
	Features    []string `json:"features" yaml:"features"`
	InStock     bool     `json:"in_stock" yaml:"in_stock"`
}

// Catalog looks products up by name.
//
// Implementations must be safe for concurrent use.
type Catalog interface {
	// Lookup returns the product whose name equals name, ignoring case. A
	// miss is a *NotFoundError.
	Lookup(ctx context.Context, name string) (Product, error)
}

// NotFoundError reports a lookup miss.
type NotFoundError struct {
	Name string

	// Suggestion is the closest known product name, or "".
	Suggestion string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("Product '%s' not found in the knowledge base.", e.Name)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" Did you mean '%s'?", e.Suggestion)
	}
	return msg
}

// Is reports whether target is [ErrNotFound].
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Products returns the built-in knowledge base.
func Products() []Product {
	return []Product{
		{
			ID:          "nb-pro-01",
			Name:        "NovaBook Pro",
			Category:    "Laptop",
			Description: "A powerful and sleek laptop for professionals. Features the latest M-series chip for unparalleled performance.",
			Price:       1999.99,
			Features:    []string{"14-inch Liquid Retina XDR display", "M4 Pro Chip", "18-hour battery life", "1080p FaceTime HD camera"},
			InStock:     true,
		},
		{
			ID:          "sp-zen-01",
			Name:        "StellarPhone Zen",
			Category:    "Phone",
			Description: "The smartphone that redefines photography with its advanced AI-powered camera system.",
			Price:       999.00,
			Features:    []string{"6.7-inch OLED display", "A18 Bionic Chip", "Triple-camera system", "5G connectivity"},
			InStock:     true,
		},
		{
			ID:          "qw-buds-01",
			Name:        "QuietWave Buds",
			Category:    "Accessory",
			Description: "Immersive sound with industry-leading noise cancellation.",
			Price:       249.00,
			Features:    []string{"Active Noise Cancellation", "Transparency Mode", "Up to 30 hours of listening time", "Sweat and water resistant"},
			InStock:     false,
		},
	}
}
