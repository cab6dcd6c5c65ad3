package config

import (
	"strings"
	"testing"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	cfg := DefaultCatalog()
	if err := ValidateCatalog(cfg); err != nil {
		t.Fatalf("expected default catalog to be valid, got %v", err)
	}

	cases := map[string]int64{"Free": 100, "starter": 1000, "PRO": 5000, "Business": 10000}
	for tier, want := range cases {
		got, ok := cfg.LimitFor(tier)
		if !ok || got != want {
			t.Fatalf("tier %s: expected limit %d, got %d (found=%v)", tier, want, got, ok)
		}
	}

	tier, ok := cfg.TierForPrice("price_1SWK6C8nEz73sTkimA2XyrU0")
	if !ok || tier != "Pro" {
		t.Fatalf("expected Pro for price, got %q", tier)
	}
	if _, ok := cfg.TierForPrice("price_unknown"); ok {
		t.Fatalf("expected unknown price to be unmapped")
	}
	if cfg.Policy() != CancellationDowngradeKeepCredits {
		t.Fatalf("expected default policy, got %s", cfg.Policy())
	}
}

func TestValidateCatalogRejectsBrokenConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Catalog)
		want   string
	}{
		{
			name:   "missing tier",
			mutate: func(c *Catalog) { c.Tiers = c.Tiers[:3] },
			want:   "missing Business",
		},
		{
			name:   "zero limit",
			mutate: func(c *Catalog) { c.Tiers[0].Limit = 0 },
			want:   "Free limit must be positive",
		},
		{
			name: "duplicate price",
			mutate: func(c *Catalog) {
				c.CreditPacks = []CreditPack{{PriceID: "price_1SWK4S8nEz73sTkiiWWP5tQ2", Credits: 10}}
			},
			want: "mapped twice",
		},
		{
			name:   "bad pack",
			mutate: func(c *Catalog) { c.CreditPacks = []CreditPack{{PriceID: "price_pack", Credits: 0}} },
			want:   "credits must be positive",
		},
		{
			name:   "bad policy",
			mutate: func(c *Catalog) { c.CancellationPolicy = "refund_everything" },
			want:   "not supported",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultCatalog()
			tc.mutate(&cfg)
			err := ValidateCatalog(cfg)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreditsForPrice(t *testing.T) {
	cfg := DefaultCatalog()
	cfg.CreditPacks = []CreditPack{{PriceID: "price_pack_5k", Credits: 5000}}

	credits, ok := cfg.CreditsForPrice("price_pack_5k")
	if !ok || credits != 5000 {
		t.Fatalf("expected 5000 credits, got %d", credits)
	}
	holder := NewStaticCatalogHolder(cfg)
	if got := holder.Get(); len(got.CreditPacks) != 1 {
		t.Fatalf("expected holder to expose the pack")
	}
}
