package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the layout of a products YAML file.
//
// Example:
//
//	products:
//	  - id: nb-pro-01
//	    name: NovaBook Pro
//	    category: Laptops
//	    price: 1299.99
//	    features: ["14-inch Liquid Retina XDR display"]
//	    in_stock: true
type File struct {
	Products []Product `yaml:"products"`
}

// LoadFile reads and validates the products file at path.
func LoadFile(path string) ([]Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open products file %q: %w", path, err)
	}
	defer f.Close()

	products, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse products file %q: %w", path, err)
	}
	return products, nil
}

// LoadFromReader decodes a products file from r and validates it.
func LoadFromReader(r io.Reader) ([]Product, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("catalog: decode products yaml: %w", err)
	}
	if err := Validate(f.Products); err != nil {
		return nil, err
	}
	return f.Products, nil
}

// Validate checks a product list: at least one product, every product with
// an id and a name, no negative price, and no id or name (ignoring case)
// used twice.
func Validate(products []Product) error {
	if len(products) == 0 {
		return errors.New("catalog: no products")
	}
	var errs []error
	ids := make(map[string]int, len(products))
	names := make(map[string]int, len(products))
	for i, p := range products {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("products[%d]: id must not be empty", i))
		} else if j, dup := ids[p.ID]; dup {
			errs = append(errs, fmt.Errorf("products[%d]: id %q already used by products[%d]", i, p.ID, j))
		} else {
			ids[p.ID] = i
		}

		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			errs = append(errs, fmt.Errorf("products[%d]: name must not be empty", i))
		} else if j, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("products[%d]: name %q already used by products[%d]", i, p.Name, j))
		} else {
			names[name] = i
		}

		if p.Price < 0 {
			errs = append(errs, fmt.Errorf("products[%d]: price %.2f must not be negative", i, p.Price))
		}
	}
	return errors.Join(errs...)
}
