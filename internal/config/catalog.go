package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type CancellationPolicy string

const (
	CancellationDowngradeKeepCredits    CancellationPolicy = "downgrade_keep_credits"
	CancellationDowngradeForfeitCredits CancellationPolicy = "downgrade_forfeit_credits"
	CancellationKeepUntilPeriodEnd      CancellationPolicy = "keep_until_period_end"
)

var requiredTiers = []string{"Free", "Starter", "Pro", "Business"}

// TierPlan binds a tier to its monthly item quota and the provider prices that sell it.
type TierPlan struct {
	Name   string   `mapstructure:"name"`
	Limit  int64    `mapstructure:"limit"`
	Prices []string `mapstructure:"prices"`
}

// CreditPack is a one-time purchase price and the credits it grants.
type CreditPack struct {
	PriceID string `mapstructure:"priceId"`
	Credits int64  `mapstructure:"credits"`
}

type Catalog struct {
	Tiers              []TierPlan         `mapstructure:"tiers"`
	CreditPacks        []CreditPack       `mapstructure:"creditPacks"`
	CancellationPolicy CancellationPolicy `mapstructure:"cancellationPolicy"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Tiers: []TierPlan{
			{Name: "Free", Limit: 100},
			{Name: "Starter", Limit: 1000, Prices: []string{"price_1SWK4S8nEz73sTkiiWWP5tQ2"}},
			{Name: "Pro", Limit: 5000, Prices: []string{"price_1SWK6C8nEz73sTkimA2XyrU0"}},
			{Name: "Business", Limit: 10000, Prices: []string{"price_1SWK6p8nEz73sTkicVIwLUP7"}},
		},
		CancellationPolicy: CancellationDowngradeKeepCredits,
	}
}

// LimitFor returns the monthly quota of a tier, matched case-insensitively.
func (c Catalog) LimitFor(tier string) (int64, bool) {
	tier = strings.TrimSpace(tier)
	for _, plan := range c.Tiers {
		if strings.EqualFold(plan.Name, tier) {
			return plan.Limit, true
		}
	}
	return 0, false
}

// TierForPrice returns the tier sold by a subscription price.
func (c Catalog) TierForPrice(priceID string) (string, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", false
	}
	for _, plan := range c.Tiers {
		for _, price := range plan.Prices {
			if price == priceID {
				return plan.Name, true
			}
		}
	}
	return "", false
}

// CreditsForPrice returns the credits granted by a one-time purchase price.
func (c Catalog) CreditsForPrice(priceID string) (int64, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return 0, false
	}
	for _, pack := range c.CreditPacks {
		if pack.PriceID == priceID {
			return pack.Credits, true
		}
	}
	return 0, false
}

func (c Catalog) Policy() CancellationPolicy {
	if c.CancellationPolicy == "" {
		return CancellationDowngradeKeepCredits
	}
	return c.CancellationPolicy
}

// CatalogReader exposes the current catalog snapshot.
type CatalogReader interface {
	Get() Catalog
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder wraps a fixed catalog.
func NewStaticCatalogHolder(cfg Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewCatalogHolder(log *zap.Logger) (*CatalogHolder, error) {
	log = log.Named("config.catalog")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		defaults := DefaultCatalog()
		v.SetDefault("catalog.tiers", defaults.Tiers)
		v.SetDefault("catalog.creditPacks", defaults.CreditPacks)
		v.SetDefault("catalog.cancellationPolicy", string(defaults.CancellationPolicy))
		log.Info("catalog.defaults")
	}

	var cfg Catalog
	if err := v.UnmarshalKey("catalog", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateCatalog(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Warn("catalog.reload.failed", zap.Error(err))
			return
		}
		if err := ValidateCatalog(updated); err != nil {
			log.Warn("catalog.reload.invalid", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalog.reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func ValidateCatalog(cfg Catalog) error {
	for _, tier := range requiredTiers {
		limit, ok := cfg.LimitFor(tier)
		if !ok {
			return fmt.Errorf("catalog.tiers missing %s", tier)
		}
		if limit <= 0 {
			return fmt.Errorf("catalog.tiers %s limit must be positive", tier)
		}
	}

	seen := map[string]struct{}{}
	for _, plan := range cfg.Tiers {
		for _, price := range plan.Prices {
			if _, dup := seen[price]; dup {
				return fmt.Errorf("catalog price %s mapped twice", price)
			}
			seen[price] = struct{}{}
		}
	}
	for _, pack := range cfg.CreditPacks {
		if strings.TrimSpace(pack.PriceID) == "" {
			return errors.New("catalog.creditPacks priceId cannot be empty")
		}
		if pack.Credits <= 0 {
			return fmt.Errorf("catalog.creditPacks %s credits must be positive", pack.PriceID)
		}
		if _, dup := seen[pack.PriceID]; dup {
			return fmt.Errorf("catalog price %s mapped twice", pack.PriceID)
		}
		seen[pack.PriceID] = struct{}{}
	}

	switch cfg.Policy() {
	case CancellationDowngradeKeepCredits, CancellationDowngradeForfeitCredits, CancellationKeepUntilPeriodEnd:
	default:
		return fmt.Errorf("catalog.cancellationPolicy %q is not supported", cfg.CancellationPolicy)
	}
	return nil
}
