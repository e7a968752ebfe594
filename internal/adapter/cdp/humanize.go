package cdp

import (
	"math/rand/v2"
	"time"
)

// Pacer produces randomized delays in [min, max] for humanized browser
// action timing.
type Pacer struct {
	min, max time.Duration
}

// NewPacer creates a Pacer. A max at or below min yields the fixed min delay.
func NewPacer(min, max time.Duration) *Pacer {
	return &Pacer{min: min, max: max}
}

// Delay returns the next randomized pause.
func (p *Pacer) Delay() time.Duration {
	if p.max <= p.min {
		return p.min
	}
	return p.min + rand.N(p.max-p.min)
}
