package billing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Price maps an internal plan reference to the payment provider's price.
type Price struct {
	Ref       string   `yaml:"ref"`        // internal plan reference used by the app and the checkout endpoint
	PriceID   string   `yaml:"price_id"`   // provider's price identifier
	Interval  Interval `yaml:"interval"`   // month or year
	TrialDays int64    `yaml:"trial_days"` // default trial length, 0 for none
}

// Catalog is the price/plan identifier mapping, keyed by Ref. Loaded once at
// process start; there is no runtime mutation.
type Catalog map[string]Price

// Lookup returns the price for a plan reference.
func (c Catalog) Lookup(ref string) (Price, error) {
	p, ok := c[ref]
	if !ok {
		return Price{}, ErrPriceNotFound
	}
	return p, nil
}

// CatalogSource defines how the price catalog is loaded.
type CatalogSource interface {
	Load(ctx context.Context) (Catalog, error)
}

type staticSource struct {
	catalog Catalog
}

// NewStaticSource returns an in-memory CatalogSource with a copy of the given
// prices. Panics if no prices are provided so the service always has at least
// one purchasable plan.
func NewStaticSource(prices ...Price) CatalogSource {
	if len(prices) == 0 {
		panic("billing: at least one price is required")
	}
	catalog := make(Catalog, len(prices))
	for _, p := range prices {
		catalog[p.Ref] = p
	}
	return &staticSource{catalog: catalog}
}

func (s *staticSource) Load(ctx context.Context) (Catalog, error) {
	cp := make(Catalog, len(s.catalog))
	for ref, p := range s.catalog {
		cp[ref] = p
	}
	return cp, nil
}

type yamlSource struct {
	path string
}

// NewYAMLSource returns a CatalogSource that reads a YAML price list:
//
//	prices:
//	  - ref: coach-monthly
//	    price_id: price_1ABCmonthly
//	    interval: month
//	    trial_days: 14
//	  - ref: coach-yearly
//	    price_id: price_1ABCyearly
//	    interval: year
func NewYAMLSource(path string) CatalogSource {
	return &yamlSource{path: path}
}

func (s *yamlSource) Load(ctx context.Context) (Catalog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}

	var doc struct {
		Prices []Price `yaml:"prices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if len(doc.Prices) == 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("catalog contains no prices"))
	}

	catalog := make(Catalog, len(doc.Prices))
	for _, p := range doc.Prices {
		if p.Ref == "" || p.PriceID == "" {
			return nil, errors.Join(ErrInvalidCatalog,
				fmt.Errorf("price entry %q must carry ref and price_id", p.Ref))
		}
		if p.Interval != IntervalMonth && p.Interval != IntervalYear {
			return nil, errors.Join(ErrInvalidCatalog,
				fmt.Errorf("price %q has invalid interval %q", p.Ref, p.Interval))
		}
		if _, exists := catalog[p.Ref]; exists {
			return nil, errors.Join(ErrInvalidCatalog,
				fmt.Errorf("duplicate price ref %q", p.Ref))
		}
		catalog[p.Ref] = p
	}
	return catalog, nil
}
