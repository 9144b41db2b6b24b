// Package alert decides which alert conditions an observation newly meets
// for a subscription and records the resulting alerts.
package alert

import (
	"github.com/lalithlochan/pricewatch/internal/db"
)

// Fired is one condition that newly holds.
type Fired struct {
	Kind     string
	OldPrice *float64
}

// Decision is the outcome of evaluating one observation for one
// subscription.
type Decision struct {
	Fired []Fired

	// Baseline is the price drops were measured against, nil when there was
	// nothing to compare with.
	Baseline *float64
}

// Has reports whether kind fired.
func (d Decision) Has(kind string) bool {
	for _, f := range d.Fired {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Decide evaluates the three alert conditions. prev is the product's cached
// state before obs was appended.
//
// target_met fires when the price crosses to at or below the target.
// price_drop compares against the subscription's reference price, which only
// moves when a drop alert is created or the price climbs above it, so a
// price hovering under the threshold does not fire repeatedly.
// back_in_stock fires on a false to true stock transition.
func Decide(sub *db.Subscription, prev db.Snapshot, obs *db.Observation) Decision {
	var d Decision

	if t := sub.TargetPrice; t != nil && obs.Price <= *t {
		if prev.Price == nil || *prev.Price > *t {
			d.Fired = append(d.Fired, Fired{Kind: db.KindTargetMet, OldPrice: prev.Price})
		}
	}

	d.Baseline = sub.ReferencePrice
	if d.Baseline == nil {
		d.Baseline = prev.Price
	}
	if th := sub.DropThresholdPercent; th != nil && d.Baseline != nil && *d.Baseline > 0 {
		drop := (*d.Baseline - obs.Price) * 100 / *d.Baseline
		if drop >= *th {
			d.Fired = append(d.Fired, Fired{Kind: db.KindPriceDrop, OldPrice: d.Baseline})
		}
	}

	if prev.InStock != nil && !*prev.InStock && obs.InStock {
		d.Fired = append(d.Fired, Fired{Kind: db.KindBackInStock, OldPrice: prev.Price})
	}

	return d
}

// NextReference returns the reference price to store after an evaluation.
// dropAlerted is true only when a price_drop alert was actually created.
func NextReference(baseline *float64, price float64, dropAlerted bool) *float64 {
	if dropAlerted || baseline == nil || price > *baseline {
		return &price
	}
	return baseline
}
