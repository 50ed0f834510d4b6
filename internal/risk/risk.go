// Package risk turns precipitation series into flood warning levels.
package risk

import (
	"github.com/floodwatch/floodwatch-cli/internal/model"
)

// Thresholds configures the sliding-window classifier. A level is assigned
// when the maximum window sum is strictly greater than its threshold.
type Thresholds struct {
	Window      int     `yaml:"window" mapstructure:"window"`
	OrangeAbove float64 `yaml:"orange_above" mapstructure:"orange_above"`
	RedAbove    float64 `yaml:"red_above" mapstructure:"red_above"`
}

// DefaultThresholds returns the 4-day window with 10mm / 40mm cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Window: 4, OrangeAbove: 10, RedAbove: 40}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Window <= 0 {
		t.Window = d.Window
	}
	if t.OrangeAbove <= 0 && t.RedAbove <= 0 {
		t.OrangeAbove, t.RedAbove = d.OrangeAbove, d.RedAbove
	}
	return t
}

// MaxWindowSum returns the largest sum over any run of at most window
// consecutive values. Windows shorter than window at the start of the
// series count as-is. The result is never below zero.
func MaxWindowSum(values []float64, window int) float64 {
	if window <= 0 {
		window = DefaultThresholds().Window
	}

	var maxSum, sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if sum > maxSum {
			maxSum = sum
		}
	}
	return maxSum
}

// Level maps a window sum onto a warning level.
func (t Thresholds) Level(sum float64) model.WarningLevel {
	t = t.withDefaults()
	switch {
	case sum > t.RedAbove:
		return model.WarningRed
	case sum > t.OrangeAbove:
		return model.WarningOrange
	default:
		return model.WarningGreen
	}
}

// Classify computes the warning level for an ordered precipitation series.
func (t Thresholds) Classify(values []float64) model.WarningLevel {
	t = t.withDefaults()
	return t.Level(MaxWindowSum(values, t.Window))
}

// Classify uses the default thresholds.
func Classify(values []float64) model.WarningLevel {
	return DefaultThresholds().Classify(values)
}

// Aggregate returns the most severe level among members. An empty set is green.
func Aggregate(levels []model.WarningLevel) model.WarningLevel {
	agg := model.WarningGreen
	for _, l := range levels {
		agg = model.MaxWarning(agg, l)
		if agg == model.WarningRed {
			break
		}
	}
	return agg
}
