package billing

import (
	"fmt"
	"strconv"
	"strings"
)

// PriceEntry maps a Stripe price identifier to the number of tokens it buys.
type PriceEntry struct {
	PriceID string `json:"priceId"`
	Tokens  int64  `json:"tokens"`
}

var defaultPriceEntries = []PriceEntry{
	{PriceID: "price_1RCVoG09dcGq3dt0eX4G80dp", Tokens: 1000},
	{PriceID: "price_1RCVnp09dcGq3dt0wzYrvtwH", Tokens: 500},
	{PriceID: "price_1RCVnT09dcGq3dt0E2n0e8ut", Tokens: 100},
}

// Catalog is an immutable price table. It is safe for concurrent use.
type Catalog struct {
	entries []PriceEntry
	byID    map[string]int64
}

// DefaultCatalog returns the built-in token packs.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(defaultPriceEntries)
	return c
}

// NewCatalog validates entries and builds a catalog preserving their order.
func NewCatalog(entries []PriceEntry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("price catalog is empty")
	}
	c := &Catalog{
		entries: make([]PriceEntry, 0, len(entries)),
		byID:    make(map[string]int64, len(entries)),
	}
	for _, e := range entries {
		id := normalizePriceID(e.PriceID)
		if id == "" {
			return nil, fmt.Errorf("price catalog entry has empty price id")
		}
		if e.Tokens <= 0 {
			return nil, fmt.Errorf("price %s: token amount must be positive, got %d", id, e.Tokens)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("price %s listed twice", id)
		}
		c.byID[id] = e.Tokens
		c.entries = append(c.entries, PriceEntry{PriceID: id, Tokens: e.Tokens})
	}
	return c, nil
}

// ParseCatalog reads "price_a:1000,price_b:500". An empty string yields the
// default catalog.
func ParseCatalog(raw string) (*Catalog, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultCatalog(), nil
	}
	var entries []PriceEntry
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, amount, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("price catalog entry %q: expected <price_id>:<tokens>", part)
		}
		tokens, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("price catalog entry %q: %w", part, err)
		}
		entries = append(entries, PriceEntry{PriceID: id, Tokens: tokens})
	}
	return NewCatalog(entries)
}

// Resolve returns the token amount for a price id.
func (c *Catalog) Resolve(priceID string) (int64, error) {
	tokens, ok := c.byID[normalizePriceID(priceID)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}
	return tokens, nil
}

func (c *Catalog) Contains(priceID string) bool {
	_, ok := c.byID[normalizePriceID(priceID)]
	return ok
}

// Entries returns a copy of the catalog in configuration order.
func (c *Catalog) Entries() []PriceEntry {
	out := make([]PriceEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func normalizePriceID(priceID string) string {
	return strings.TrimSpace(priceID)
}
