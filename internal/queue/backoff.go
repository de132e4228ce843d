package queue

import (
	"math"
	"math/rand"
	"time"
)

// backoffNominal is the jitter-free exponential schedule: min(base *
// 2^attempt, cap). It is monotonic non-decreasing in attempt by
// construction, which is what the "backoff is monotonic" property actually
// constrains — the +/-20% jitter applied on top is cosmetic dispersion to
// avoid synchronized retry storms, not part of the guarantee.
func backoffNominal(base, cap time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > cap || d <= 0 {
		d = cap
	}
	return d
}

// backoff applies +/-20% jitter to backoffNominal using rng (nil uses the
// package default source).
func backoff(rng *rand.Rand, base, cap time.Duration, attempt int) time.Duration {
	nominal := backoffNominal(base, cap, attempt)
	f := 1 + (randFloat(rng)*0.4 - 0.2)
	return time.Duration(float64(nominal) * f)
}

func randFloat(rng *rand.Rand) float64 {
	if rng != nil {
		return rng.Float64()
	}
	return rand.Float64()
}
