package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/aura/internal/catalog"
)

func TestStatic_Lookup(t *testing.T) {
	t.Parallel()
	c := catalog.NewStatic()

	tests := []struct {
		query  string
		wantID string
	}{
		{query: "NovaBook Pro", wantID: "nb-pro-01"},
		{query: "novabook pro", wantID: "nb-pro-01"},
		{query: "  STELLARPHONE ZEN ", wantID: "sp-zen-01"},
		{query: "QuietWave Buds", wantID: "qw-buds-01"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			p, err := c.Lookup(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Lookup(%q): %v", tt.query, err)
			}
			if p.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", p.ID, tt.wantID)
			}
		})
	}
}

func TestStatic_LookupReturnsCopy(t *testing.T) {
	t.Parallel()
	c := catalog.NewStatic()

	p, _ := c.Lookup(context.Background(), "NovaBook Pro")
	p.Features[0] = "scribbled"

	again, _ := c.Lookup(context.Background(), "NovaBook Pro")
	if again.Features[0] == "scribbled" {
		t.Error("caller mutation leaked into the catalog")
	}
}

func TestStatic_Miss(t *testing.T) {
	t.Parallel()
	c := catalog.NewStatic()

	_, err := c.Lookup(context.Background(), "Nonexistent Gadget")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var nf *catalog.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %T, want *NotFoundError", err)
	}
	if nf.Name != "Nonexistent Gadget" {
		t.Errorf("Name = %q", nf.Name)
	}
}

func TestStatic_MissSuggests(t *testing.T) {
	t.Parallel()
	c := catalog.NewStatic()

	_, err := c.Lookup(context.Background(), "Nova Book Pro")
	var nf *catalog.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *NotFoundError", err)
	}
	if nf.Suggestion != "NovaBook Pro" {
		t.Errorf("Suggestion = %q, want NovaBook Pro", nf.Suggestion)
	}
	want := "Product 'Nova Book Pro' not found in the knowledge base. Did you mean 'NovaBook Pro'?"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNotFoundError_Message(t *testing.T) {
	t.Parallel()
	err := &catalog.NotFoundError{Name: "Flux Capacitor"}
	if got, want := err.Error(), "Product 'Flux Capacitor' not found in the knowledge base."; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStatic_Custom(t *testing.T) {
	t.Parallel()
	c := catalog.NewStatic(catalog.Product{ID: "x", Name: "Widget"})
	if names := c.Names(); len(names) != 1 || names[0] != "Widget" {
		t.Errorf("Names() = %v", names)
	}
	if _, err := c.Lookup(context.Background(), "NovaBook Pro"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("built-in product served by a custom catalog: %v", err)
	}
}
