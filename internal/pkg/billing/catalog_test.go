package billing

import (
	"errors"
	"testing"
)

func TestDefaultCatalogResolve(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "price_1RCVoG09dcGq3dt0eX4G80dp", want: 1000},
		{in: "price_1RCVnp09dcGq3dt0wzYrvtwH", want: 500},
		{in: "price_1RCVnT09dcGq3dt0E2n0e8ut", want: 100},
		{in: " price_1RCVnT09dcGq3dt0E2n0e8ut ", want: 100},
	}

	c := DefaultCatalog()
	for _, tt := range tests {
		got, err := c.Resolve(tt.in)
		if err != nil {
			t.Fatalf("Resolve(%q) unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Resolve(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCatalogResolveUnknown(t *testing.T) {
	c := DefaultCatalog()
	for _, id := range []string{"", "price_unknown", "price_100_tokens"} {
		if _, err := c.Resolve(id); !errors.Is(err, ErrUnknownPrice) {
			t.Fatalf("Resolve(%q) err = %v, want ErrUnknownPrice", id, err)
		}
		if c.Contains(id) {
			t.Fatalf("Contains(%q) = true, want false", id)
		}
	}
}

func TestCatalogEntriesIsCopy(t *testing.T) {
	c := DefaultCatalog()
	entries := c.Entries()
	if len(entries) != 3 || entries[0].Tokens != 1000 {
		t.Fatalf("unexpected default entries: %+v", entries)
	}
	entries[0].Tokens = 1
	if got, _ := c.Resolve(entries[0].PriceID); got != 1000 {
		t.Fatalf("catalog mutated through Entries(): got %d", got)
	}
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog("price_a:10, price_b:20")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got, _ := c.Resolve("price_b"); got != 20 {
		t.Fatalf("price_b = %d, want 20", got)
	}
	if c.Contains("price_1RCVoG09dcGq3dt0eX4G80dp") {
		t.Fatalf("override should replace the default catalog")
	}

	empty, err := ParseCatalog("  ")
	if err != nil || !empty.Contains("price_1RCVoG09dcGq3dt0eX4G80dp") {
		t.Fatalf("empty catalog string should yield the default catalog, err=%v", err)
	}
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		"price_a",
		"price_a:abc",
		"price_a:0",
		"price_a:-5",
		":10",
		"price_a:1,price_a:2",
		",",
	} {
		if _, err := ParseCatalog(raw); err == nil {
			t.Fatalf("ParseCatalog(%q) expected error", raw)
		}
	}
}
