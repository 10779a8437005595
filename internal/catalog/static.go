package catalog

import (
	"context"
	"strings"
)

var _ Catalog = (*Static)(nil)

// Static is an immutable in-memory catalog.
type Static struct {
	products  []Product
	names     []string
	suggester *Suggester
}

// NewStatic returns a catalog over products. With no products it serves the
// built-in knowledge base.
func NewStatic(products ...Product) *Static {
	if len(products) == 0 {
		products = Products()
	}
	s := &Static{
		products:  append([]Product(nil), products...),
		suggester: NewSuggester(),
	}
	for _, p := range s.products {
		s.names = append(s.names, p.Name)
	}
	return s
}

// Lookup implements [Catalog].
func (s *Static) Lookup(_ context.Context, name string) (Product, error) {
	want := strings.TrimSpace(name)
	for _, p := range s.products {
		if strings.EqualFold(p.Name, want) {
			p.Features = append([]string(nil), p.Features...)
			return p, nil
		}
	}
	nf := &NotFoundError{Name: name}
	if sug, ok := s.suggester.Suggest(want, s.names); ok {
		nf.Suggestion = sug
	}
	return Product{}, nf
}

// Names returns every product name in catalog order.
func (s *Static) Names() []string {
	return append([]string(nil), s.names...)
}
