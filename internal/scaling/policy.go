// Package scaling grows, shrinks, and recycles the browser pool based on
// sampled utilisation and per-browser wear limits. The policy that drives
// it can be hot-reloaded from a YAML file.
package scaling

import (
	"fmt"
	"time"
)

// Policy holds the thresholds the scaler acts on.
type Policy struct {
	MinBrowsers int `yaml:"minBrowsers"`
	MaxBrowsers int `yaml:"maxBrowsers"`

	// ScaleUpThreshold and ScaleDownThreshold bound the average
	// utilisation band the pool is held inside.
	ScaleUpThreshold   float64 `yaml:"scaleUpThreshold"`
	ScaleDownThreshold float64 `yaml:"scaleDownThreshold"`

	// MaxScaleStep caps how many browsers one decision may add or drain.
	MaxScaleStep int `yaml:"maxScaleStep"`

	// SampleWindow is how many utilisation samples feed one decision.
	SampleWindow int `yaml:"sampleWindow"`

	// Cooldown is the minimum gap between scaling decisions.
	Cooldown time.Duration `yaml:"cooldown"`

	// Wear limits. A browser crossing any of them is drained and replaced.
	// Zero disables the corresponding limit.
	RecycleAfterPages  int64         `yaml:"recycleAfterPages"`
	RecycleAfterAge    time.Duration `yaml:"recycleAfterAge"`
	RecycleAfterErrors int64         `yaml:"recycleAfterErrors"`
	RecycleAfterMemory int64         `yaml:"recycleAfterMemory"` // bytes of JS heap
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		MinBrowsers:        1,
		MaxBrowsers:        10,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		MaxScaleStep:       2,
		SampleWindow:       5,
		Cooldown:           time.Minute,
		RecycleAfterPages:  500,
		RecycleAfterAge:    time.Hour,
		RecycleAfterErrors: 50,
		RecycleAfterMemory: 2 << 30,
	}
}

// Validate rejects contradictory settings and clamps the rest into a
// usable range.
func (p *Policy) Validate() error {
	if p.MinBrowsers < 0 {
		p.MinBrowsers = 0
	}
	if p.MaxBrowsers < 1 {
		p.MaxBrowsers = 1
	}
	if p.MinBrowsers > p.MaxBrowsers {
		return fmt.Errorf("minBrowsers %d exceeds maxBrowsers %d", p.MinBrowsers, p.MaxBrowsers)
	}
	if p.ScaleUpThreshold <= 0 || p.ScaleUpThreshold > 1 {
		p.ScaleUpThreshold = 0.8
	}
	if p.ScaleDownThreshold < 0 || p.ScaleDownThreshold >= p.ScaleUpThreshold {
		p.ScaleDownThreshold = p.ScaleUpThreshold / 2
	}
	if p.MaxScaleStep < 1 {
		p.MaxScaleStep = 1
	}
	if p.SampleWindow < 1 {
		p.SampleWindow = 1
	}
	if p.Cooldown < 0 {
		p.Cooldown = 0
	}
	if p.RecycleAfterPages < 0 || p.RecycleAfterAge < 0 || p.RecycleAfterErrors < 0 || p.RecycleAfterMemory < 0 {
		return fmt.Errorf("recycle limits must not be negative")
	}
	return nil
}

// Decision is one scaling verdict.
type Decision struct {
	Direction string // "up", "down", or "hold"
	Count     int
}

// Decide maps the averaged utilisation and pool shape to a decision.
// It is stateless; cooldown and sampling live in the scaler.
func (p Policy) Decide(avgUtil float64, total, waiting int) Decision {
	if total < p.MinBrowsers {
		return Decision{Direction: "up", Count: p.capStep(p.MinBrowsers - total)}
	}

	if waiting > 0 || avgUtil >= p.ScaleUpThreshold {
		room := p.MaxBrowsers - total
		if room <= 0 {
			return Decision{Direction: "hold"}
		}
		want := 1
		if waiting > want {
			want = waiting
		}
		if want > room {
			want = room
		}
		return Decision{Direction: "up", Count: p.capStep(want)}
	}

	if avgUtil <= p.ScaleDownThreshold && total > p.MinBrowsers {
		return Decision{Direction: "down", Count: p.capStep(total - p.MinBrowsers)}
	}

	return Decision{Direction: "hold"}
}

func (p Policy) capStep(n int) int {
	if n > p.MaxScaleStep {
		return p.MaxScaleStep
	}
	return n
}
