package pricestore

import (
	"math"
	"time"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// Rollup summarizes a window of observations.
type Rollup struct {
	Window                  time.Duration `json:"window"`
	From                    time.Time     `json:"from"`
	To                      time.Time     `json:"to"`
	Count                   int           `json:"count"`
	Min                     float64       `json:"min"`
	Max                     float64       `json:"max"`
	Avg                     float64       `json:"avg"`
	StdDev                  float64       `json:"stddev"`
	First                   float64       `json:"first"`
	Last                    float64       `json:"last"`
	ChangePercentSinceFirst float64       `json:"change_percent_since_first"`
}

// ComputeRollup derives statistics from observations ordered oldest first.
// StdDev is the sample standard deviation and is 0 for a single reading.
func ComputeRollup(obs []*db.Observation) (*Rollup, error) {
	if len(obs) == 0 {
		return nil, ErrNoHistory
	}

	r := &Rollup{
		Count: len(obs),
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
		First: obs[0].Price,
		Last:  obs[len(obs)-1].Price,
		From:  obs[0].ObservedAt,
		To:    obs[len(obs)-1].ObservedAt,
	}

	// Welford's online mean/variance.
	var mean, m2 float64
	for i, o := range obs {
		if o.Price < r.Min {
			r.Min = o.Price
		}
		if o.Price > r.Max {
			r.Max = o.Price
		}
		delta := o.Price - mean
		mean += delta / float64(i+1)
		m2 += delta * (o.Price - mean)
	}

	r.Avg = mean
	if r.Count > 1 {
		r.StdDev = math.Sqrt(m2 / float64(r.Count-1))
	}
	if r.First != 0 {
		r.ChangePercentSinceFirst = (r.Last - r.First) / r.First * 100
	}
	return r, nil
}
