package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FeatureID identifies a billable capability.
type FeatureID string

// FeatureCost is the static cost table entry for a feature.
type FeatureCost struct {
	// FreeLimit is the number of free executions per billing period.
	// A negative value means the feature is free without limit.
	FreeLimit int64 `json:"free_limit"`

	// CreditCost is charged per execution once the free limit is exhausted.
	CreditCost int64 `json:"credit_cost"`
}

// Unlimited reports whether the feature has no free-use ceiling.
func (c FeatureCost) Unlimited() bool {
	return c.FreeLimit < 0
}

// CostTable maps features to their cost entries.
type CostTable map[FeatureID]FeatureCost

// Lookup returns the entry for a feature.
func (t CostTable) Lookup(feature FeatureID) (FeatureCost, bool) {
	c, ok := t[feature]
	return c, ok
}

// Features returns the configured feature ids in lexical order.
func (t CostTable) Features() []FeatureID {
	ids := make([]FeatureID, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate rejects entries a ledger could not honor.
func (t CostTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("cost table is empty")
	}
	for id, c := range t {
		if id == "" {
			return fmt.Errorf("cost table contains an empty feature id")
		}
		if c.CreditCost < 0 {
			return fmt.Errorf("feature %s: credit_cost must not be negative", id)
		}
	}
	return nil
}

// ParseCostTable decodes a JSON object of the form
// {"feature": {"free_limit": 3, "credit_cost": 7}}.
func ParseCostTable(data []byte) (CostTable, error) {
	var table CostTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse cost table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// DefaultCostTable is used when no table is configured.
func DefaultCostTable() CostTable {
	return CostTable{
		"summary":     {FreeLimit: 10, CreditCost: 1},
		"cover_image": {FreeLimit: 3, CreditCost: 5},
		"video_clip":  {FreeLimit: 0, CreditCost: 20},
	}
}
