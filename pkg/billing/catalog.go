// Package billing implements the subscription reconciliation engine: the
// state machine around checkout, downgrade-via-schedule, cancel, reactivate
// and the periodic sync that keeps local records consistent with the
// payment provider.
package billing

import (
	"sort"

	"github.com/pkg/errors"
)

// Tier is a plan in the catalog.
type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// tierPrice pairs a tier with its monthly list price in cents. Upgrade vs
// downgrade is decided by list price ordering, never by feature count or
// enum order.
type tierPrice struct {
	tier  Tier
	cents int64
}

var listPrices = []tierPrice{
	{TierFree, 0},
	{TierStarter, 900},
	{TierPro, 2900},
	{TierBusiness, 9900},
}

// Catalog maps tiers to list prices and provider price ids.
type Catalog struct {
	cents     map[Tier]int64
	priceIDs  map[Tier]string
	byPriceID map[string]Tier
}

// NewCatalog builds the catalog with the provider price ids for the paid
// tiers. Free has no provider price.
func NewCatalog(starterPriceID, proPriceID, businessPriceID string) *Catalog {
	c := &Catalog{
		cents:     make(map[Tier]int64, len(listPrices)),
		priceIDs:  make(map[Tier]string),
		byPriceID: make(map[string]Tier),
	}
	for _, tp := range listPrices {
		c.cents[tp.tier] = tp.cents
	}
	for tier, id := range map[Tier]string{
		TierStarter:  starterPriceID,
		TierPro:      proPriceID,
		TierBusiness: businessPriceID,
	} {
		if id == "" {
			continue
		}
		c.priceIDs[tier] = id
		c.byPriceID[id] = tier
	}
	return c
}

// Known reports whether the tier exists in the catalog.
func (c *Catalog) Known(t Tier) bool {
	_, ok := c.cents[t]
	return ok
}

// IsDowngrade reports whether moving from one tier to another is a
// downgrade: strictly lower list price. Equal or higher is a normal
// checkout.
func (c *Catalog) IsDowngrade(from, to Tier) bool {
	return c.cents[to] < c.cents[from]
}

// PriceID returns the provider price id for a paid tier.
func (c *Catalog) PriceID(t Tier) (string, error) {
	id, ok := c.priceIDs[t]
	if !ok {
		return "", errors.Errorf("no price configured for tier %q", t)
	}
	return id, nil
}

// TierForPriceID maps a provider price id back to its tier.
func (c *Catalog) TierForPriceID(id string) (Tier, bool) {
	t, ok := c.byPriceID[id]
	return t, ok
}

// Tiers returns all tiers sorted by ascending list price.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.cents))
	for t := range c.cents {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return c.cents[out[i]] < c.cents[out[j]] })
	return out
}
