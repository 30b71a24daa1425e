package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeights_Validate(t *testing.T) {
	assert.NoError(t, DefaultWeights.Validate())
	assert.NoError(t, Weights{Extract: 1}.Validate())
	assert.ErrorIs(t, Weights{Extract: 0.5, Convert: 0.6}.Validate(), ErrInvalidWeights)
	assert.ErrorIs(t, Weights{Extract: -0.1, Convert: 1.1}.Validate(), ErrInvalidWeights)

	w, err := NewWeights(0.3)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, w.Convert, 1e-12)
}

func TestExtraction_Monotonic(t *testing.T) {
	for _, total := range []int{1, 7, 99, 100, 1234} {
		prev := -1
		for current := 0; current <= total; current++ {
			got := DefaultWeights.Extraction(current, total)
			assert.GreaterOrEqual(t, got, prev, "total=%d current=%d", total, current)
			prev = got
		}
	}
}

func TestExtraction_Values(t *testing.T) {
	tests := []struct {
		name           string
		current, total int
		want           int
	}{
		{"start", 0, 100, 0},
		{"half", 50, 100, 20},
		{"complete", 100, 100, 40},
		{"complete odd total", 7, 7, 2},
		{"overshoot clamps to total", 150, 100, 40},
		{"negative clamps to zero", -5, 100, 0},
		{"unknown total", 10, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultWeights.Extraction(tt.current, tt.total))
		})
	}
}

func TestConversion_ReachesTotal(t *testing.T) {
	for _, total := range []int{1, 3, 7, 33, 100, 1001} {
		for _, n := range []int{1, 2, 7, total} {
			got := DefaultWeights.Conversion(total, n, n)
			assert.Equal(t, total, got, "total=%d n=%d", total, n)
		}
	}
}

func TestConversion_Formula(t *testing.T) {
	// floor(total*we) + floor((i/n) * total*wc)
	assert.Equal(t, 40, DefaultWeights.Conversion(100, 0, 100))
	assert.Equal(t, 46, DefaultWeights.Conversion(100, 10, 100))
	assert.Equal(t, 70, DefaultWeights.Conversion(100, 50, 100))
	assert.Equal(t, 2+1, DefaultWeights.Conversion(7, 1, 3))
	assert.Equal(t, 40, DefaultWeights.Conversion(100, 3, 0))
}

func TestConversion_Monotonic(t *testing.T) {
	total, n := 97, 41
	prev := DefaultWeights.Base(total)
	for i := 0; i <= n; i++ {
		got := DefaultWeights.Conversion(total, i, n)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, total, prev)
}

func TestScenario_HundredFrames(t *testing.T) {
	w, err := NewWeights(0.4)
	require.NoError(t, err)

	assert.Equal(t, 40, w.Extraction(100, 100))
	assert.Equal(t, 70, w.Conversion(100, 50, 100))
	assert.Equal(t, 100, w.Conversion(100, 100, 100))
	assert.Equal(t, 100, Percent(w.Conversion(100, 100, 100), 100))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, Percent(10, 0))
	assert.Equal(t, 40, Percent(40, 100))
	assert.Equal(t, 28, Percent(2, 7))
	assert.Equal(t, 100, Percent(7, 7))
	assert.Equal(t, 100, Percent(8, 7))
}

func TestPercent_FullOnlyAtCompletion(t *testing.T) {
	w := DefaultWeights
	total := 1000
	last := w.Conversion(total, 999, 1000)
	assert.Less(t, last, total)
	assert.Equal(t, 99, Percent(last, total), "one frame short must not read as done")
	assert.Equal(t, 99, Percent(1995, 2000))
	assert.Equal(t, 100, Percent(w.Conversion(total, 1000, 1000), total))
}

func TestTracker_NeverReportsLower(t *testing.T) {
	var reported []int
	tr := NewTracker(DefaultWeights, 100, func(units, total int) {
		assert.Equal(t, 100, total)
		reported = append(reported, units)
	})

	tr.Extracted(50)
	tr.Extracted(30) // stale stderr line
	tr.Extracted(100)
	tr.Converted(10, 100)
	tr.Converted(5, 100) // out-of-order completion
	tr.Converted(100, 100)

	assert.Equal(t, []int{20, 40, 46, 100}, reported)
	assert.Equal(t, 100, tr.Last())
}

func TestTracker_SetTotal(t *testing.T) {
	tr := NewTracker(DefaultWeights, 0, nil)
	tr.Extracted(10)
	assert.Equal(t, 0, tr.Last())

	tr.SetTotal(10)
	assert.Equal(t, 10, tr.Total())
	tr.Converted(10, 10)
	assert.Equal(t, 10, tr.Last())
}

func TestTracker_ConcurrentConversions(t *testing.T) {
	var mu sync.Mutex
	var reported []int
	tr := NewTracker(DefaultWeights, 200, func(units, _ int) {
		mu.Lock()
		reported = append(reported, units)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Converted(i, 200)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(reported); i++ {
		assert.Greater(t, reported[i], reported[i-1])
	}
	assert.Equal(t, 200, tr.Last())
}
