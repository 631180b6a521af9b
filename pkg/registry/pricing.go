package registry

import (
	"errors"
	"fmt"
)

// PricingUnit identifies the shape a provider quotes prices in. The set is
// closed: every upstream catalog shape must normalize through one of these
// variants rather than being branched on ad hoc at call sites.
type PricingUnit string

const (
	// PerToken is a direct USD-per-token price.
	PerToken PricingUnit = "per_token"
	// Per1KTokens is USD per 1 000 tokens.
	Per1KTokens PricingUnit = "per_1k_tokens"
	// Per1MTokens is USD per 1 000 000 tokens.
	Per1MTokens PricingUnit = "per_1m_tokens"
	// ScaleAmount is an (amount, scale) pair: price = amount * 10^-scale USD
	// per token. Some catalogs publish integer amounts with a decimal scale.
	ScaleAmount PricingUnit = "scale_amount"
)

// ErrUnknownPricingUnit is returned when a catalog row carries a unit outside
// the closed variant set.
var ErrUnknownPricingUnit = errors.New("unknown pricing unit")

// Pricing is one provider-quoted price in its native shape.
type Pricing struct {
	Unit   PricingUnit `yaml:"unit" json:"unit"`
	Amount float64     `yaml:"amount" json:"amount"`
	// Scale is only meaningful for ScaleAmount.
	Scale int `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// PerTokenUSD normalizes the price to USD per single token.
func (p Pricing) PerTokenUSD() (float64, error) {
	switch p.Unit {
	case PerToken:
		return p.Amount, nil
	case Per1KTokens:
		return p.Amount / 1_000, nil
	case Per1MTokens:
		return p.Amount / 1_000_000, nil
	case ScaleAmount:
		scale := 1.0
		for i := 0; i < p.Scale; i++ {
			scale *= 10
		}
		return p.Amount / scale, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPricingUnit, p.Unit)
	}
}
