package domain

import (
	"sort"
	"time"
)

type lookupKey struct {
	productID string
	unit      string
}

// Resolver answers effective rate lookups against a snapshot of the
// current catalog.
type Resolver struct {
	byKey map[lookupKey][]PricingRate
}

func NewResolver(rates []PricingRate) *Resolver {
	byKey := make(map[lookupKey][]PricingRate)
	for _, rate := range rates {
		if !rate.IsCurrent {
			continue
		}
		key := lookupKey{productID: rate.ProductID, unit: rate.Unit}
		byKey[key] = append(byKey[key], rate)
	}
	return &Resolver{byKey: byKey}
}

// Resolve finds the rate for (productID, unit) effective on day. Rates
// scoped to planID take precedence over plan-agnostic ones. When several
// remain, the most recently created wins and Overlap is reported.
func (r *Resolver) Resolve(productID, unit, planID string, day time.Time) (Resolution, bool) {
	var specific, generic []PricingRate
	for _, rate := range r.byKey[lookupKey{productID: productID, unit: unit}] {
		if !rate.Contains(day) {
			continue
		}
		switch rate.PlanID {
		case "":
			generic = append(generic, rate)
		case planID:
			specific = append(specific, rate)
		}
	}

	matches := specific
	if len(matches) == 0 {
		matches = generic
	}
	if len(matches) == 0 {
		return Resolution{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].RateSK > matches[j].RateSK
	})
	return Resolution{Rate: matches[0], Overlap: len(matches) > 1}, true
}

// FindOverlaps lists every pair of current rates sharing a scope whose
// windows intersect.
func FindOverlaps(rates []PricingRate) []Overlap {
	byScope := make(map[Scope][]PricingRate)
	for _, rate := range rates {
		if rate.IsCurrent {
			byScope[rate.Scope()] = append(byScope[rate.Scope()], rate)
		}
	}

	var out []Overlap
	for scope, group := range byScope {
		sort.Slice(group, func(i, j int) bool { return group[i].RateID < group[j].RateID })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if group[i].Overlaps(group[j]) {
					out = append(out, Overlap{Scope: scope, A: group[i].RateID, B: group[j].RateID})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}
