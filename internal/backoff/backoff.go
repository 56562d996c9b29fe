// Package backoff computes the delay before a failed job is retried.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration { return c.Interval }

// Linear waits Initial * attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	return capped(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential waits Base^attempt seconds, capped at Max.
type Exponential struct {
	Base int
	Max  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	secs := math.Pow(float64(e.Base), float64(attempt))
	if e.Max > 0 && secs > e.Max.Seconds() {
		return e.Max
	}
	return time.Duration(secs * float64(time.Second))
}

func capped(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// New builds a strategy by name: "constant", "linear" or "exponential".
// base is seconds for constant and linear, and the exponent base for exponential.
func New(name string, base int, limit time.Duration) (Strategy, error) {
	if base < 0 {
		return nil, fmt.Errorf("backoff: negative base %d", base)
	}
	switch name {
	case "constant":
		return Constant{Interval: time.Duration(base) * time.Second}, nil
	case "linear":
		return Linear{Initial: time.Duration(base) * time.Second, Max: limit}, nil
	case "exponential", "":
		return Exponential{Base: base, Max: limit}, nil
	}
	return nil, fmt.Errorf("backoff: unknown strategy %q", name)
}
