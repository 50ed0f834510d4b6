package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/floodwatch/floodwatch-cli/internal/model"
)

func TestMaxWindowSum(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{7}, 7},
		{"partial window sums everything", []float64{1, 2, 3}, 6},
		{"exact window", []float64{1, 2, 3, 4}, 10},
		{"slides past first values", []float64{0, 0, 0, 0, 50}, 50},
		{"max in middle", []float64{1, 20, 20, 1, 0, 0, 0, 0}, 42},
		{"evicts oldest", []float64{30, 0, 0, 0, 5, 5, 5, 5}, 30},
		{"later window larger", []float64{5, 0, 0, 0, 10, 10, 10, 10}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MaxWindowSum(tt.values, 4), 1e-9)
		})
	}
}

func TestMaxWindowSum_ShortSeriesEqualsTotal(t *testing.T) {
	t.Parallel()

	series := [][]float64{{}, {3.5}, {0.2, 9.1}, {11, 0, 4.4}}
	for _, s := range series {
		var total float64
		for _, v := range s {
			total += v
		}
		assert.InDelta(t, total, MaxWindowSum(s, 4), 1e-9)
	}
}

func TestClassify_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []float64
		want   model.WarningLevel
	}{
		{"exactly ten is green", []float64{1, 2, 3, 4}, model.WarningGreen},
		{"just over ten is orange", []float64{1, 2, 3, 4.01}, model.WarningOrange},
		{"exactly forty is orange", []float64{10, 10, 10, 10}, model.WarningOrange},
		{"over forty is red", []float64{0, 0, 0, 0, 50}, model.WarningRed},
		{"lone spike over forty", []float64{0, 0, 0, 41, 0, 0, 0}, model.WarningRed},
		{"lone spike in orange band", []float64{0, 0, 0, 25, 0, 0, 0}, model.WarningOrange},
		{"lone spike at forty", []float64{0, 0, 0, 40, 0, 0, 0}, model.WarningOrange},
		{"small values stay green", []float64{2.5, 2.5, 2.5, 2.5, 2.5, 2.5}, model.WarningGreen},
		{"empty is green", nil, model.WarningGreen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.values))
		})
	}
}

func TestThresholds_Custom(t *testing.T) {
	t.Parallel()

	th := Thresholds{Window: 2, OrangeAbove: 5, RedAbove: 20}
	assert.Equal(t, model.WarningGreen, th.Classify([]float64{3, 0, 2}))
	assert.Equal(t, model.WarningOrange, th.Classify([]float64{3, 3}))
	assert.Equal(t, model.WarningRed, th.Classify([]float64{0, 11, 10}))
	// The 15 is evicted before the 6 arrives with a window of two.
	assert.Equal(t, model.WarningOrange, th.Classify([]float64{15, 0, 0, 6}))
	th.Window = 4
	assert.Equal(t, model.WarningRed, th.Classify([]float64{15, 0, 0, 6}))
}

func TestThresholds_ZeroValueUsesDefaults(t *testing.T) {
	t.Parallel()

	var th Thresholds
	assert.Equal(t, model.WarningRed, th.Classify([]float64{0, 0, 0, 0, 50}))
	assert.Equal(t, model.WarningGreen, th.Level(10))
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	g, o, r := model.WarningGreen, model.WarningOrange, model.WarningRed
	tests := []struct {
		name   string
		levels []model.WarningLevel
		want   model.WarningLevel
	}{
		{"no cities", nil, g},
		{"all green", []model.WarningLevel{g, g}, g},
		{"any orange", []model.WarningLevel{g, o, g}, o},
		{"any red", []model.WarningLevel{g, o, r}, r},
		{"red first", []model.WarningLevel{r, g}, r},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.levels))
		})
	}
}
