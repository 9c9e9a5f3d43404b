package rotation

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", Sequential, false},
		{"sequential", Sequential, false},
		{"Random", Random, false},
		{" disabled ", Disabled, false},
		{"off", Disabled, false},
		{"weighted", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEmpty(t *testing.T) {
	_, err := New[string]("servers", nil, Sequential)
	require.ErrorIs(t, err, ErrNoItemsAvailable)
}

func TestSequentialVisitsEachOnce(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	s, err := New("servers", items, Sequential)
	require.NoError(t, err)

	seen := make(map[string]int)
	for range items {
		v, err := s.Next()
		require.NoError(t, err)
		seen[v]++
	}
	for _, it := range items {
		assert.Equal(t, 1, seen[it], "item %s", it)
	}

	v, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", v, "wraps after a full cycle")
}

func TestDisabledAlwaysFirst(t *testing.T) {
	s, err := New("servers", []int{7, 8, 9}, Disabled)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		v, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
}

func TestRandomDoesNotAdvanceIndex(t *testing.T) {
	picks := []int{2, 0, 1}
	i := 0
	s, err := New("proxies", []string{"x", "y", "z"}, Random, WithRand[string](func(int) int {
		v := picks[i%len(picks)]
		i++
		return v
	}))
	require.NoError(t, err)

	var got []string
	for range picks {
		v, err := s.Next()
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []string{"z", "x", "y"}, got)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Index)
	assert.Equal(t, 3, stats.Total)
}

func TestChooseClampsIndex(t *testing.T) {
	s, err := New("servers", []string{"a", "b", "c"}, Sequential)
	require.NoError(t, err)

	_, _ = s.Next()
	_, _ = s.Next() // index now 2

	v, err := s.Choose([]string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "b", v, "out-of-range index resets to 0")

	v, err = s.Choose([]string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "c", v)
}

func TestChooseEmpty(t *testing.T) {
	s, err := New("servers", []string{"a"}, Sequential)
	require.NoError(t, err)

	_, err = s.Choose(nil)
	require.ErrorIs(t, err, ErrNoItemsAvailable)
}

func TestUsageTrim(t *testing.T) {
	items := make([]int, usageTrimThreshold+1)
	for i := range items {
		items[i] = i
	}
	s, err := New("many", items, Sequential, WithKey(strconv.Itoa))
	require.NoError(t, err)

	// Give item 0 a higher count so it survives the trim.
	_, _ = s.Choose([]int{0})
	for range items {
		_, err := s.Next()
		require.NoError(t, err)
	}

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(stats.Usage), usageTrimThreshold)
	assert.Equal(t, 2, stats.Usage["0"])
}

func TestConcurrentNext(t *testing.T) {
	items := []string{"a", "b", "c"}
	s, err := New("servers", items, Sequential)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Next()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := s.Stats()
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, 10, stats.Usage[it])
	}
}
