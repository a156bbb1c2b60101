package datacube

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeXY(t *testing.T) *DataCube {
	t.Helper()
	cube, err := New([]float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	}, []Dimension{
		{Name: "time", Labels: []string{"2020-01-01", "2020-01-02", "2020-01-03"}},
		{Name: "x", Labels: []string{"0", "1"}, Unit: "m"},
		{Name: "y", Labels: []string{"0", "1"}, Unit: "m"},
	})
	require.NoError(t, err)
	return cube
}

func TestNew(t *testing.T) {
	t.Run("ValidCube", func(t *testing.T) {
		cube := timeXY(t)
		assert.Equal(t, []int{3, 2, 2}, cube.Shape())
		assert.Equal(t, []string{"time", "x", "y"}, cube.DimensionNames())
		assert.Equal(t, 3, cube.Rank())
		assert.Equal(t, 12, cube.Size())

		v, err := cube.At(2, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 11.0, v)
	})

	t.Run("ValueCountMismatch", func(t *testing.T) {
		cube, err := New([]float64{1, 2, 3}, []Dimension{{Name: "x", Labels: []string{"a", "b"}}})
		require.Error(t, err)
		assert.Nil(t, cube)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("RankMismatch", func(t *testing.T) {
		cube, err := NewWithShape([]float64{1, 2, 3, 4}, []int{2, 2}, []Dimension{{Name: "x", Labels: []string{"a", "b"}}})
		require.Error(t, err)
		assert.Nil(t, cube)

		var shapeErr *ShapeMismatchError
		require.ErrorAs(t, err, &shapeErr)
		assert.Contains(t, shapeErr.Error(), "rank 2")
	})

	t.Run("LabelCountMismatch", func(t *testing.T) {
		cube, err := NewWithShape([]float64{1, 2, 3}, []int{3}, []Dimension{{Name: "x", Labels: []string{"a", "b"}}})
		require.Error(t, err)
		assert.Nil(t, cube)
		assert.True(t, errors.Is(err, ErrInvalidCoordinate))
		assert.False(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("DuplicateDimension", func(t *testing.T) {
		_, err := New([]float64{1}, []Dimension{
			{Name: "x", Labels: []string{"a"}},
			{Name: "x", Labels: []string{"b"}},
		})
		require.ErrorIs(t, err, ErrInvalidCoordinate)
	})

	t.Run("EmptyDimensionName", func(t *testing.T) {
		_, err := New([]float64{1}, []Dimension{{Labels: []string{"a"}}})
		require.ErrorIs(t, err, ErrInvalidCoordinate)
	})

	t.Run("Scalar", func(t *testing.T) {
		cube, err := New([]float64{42}, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, cube.Rank())
		assert.Equal(t, []float64{42}, cube.Values())
	})
}

func TestImmutability(t *testing.T) {
	values := []float64{1, 2}
	dims := []Dimension{{Name: "x", Labels: []string{"a", "b"}}}
	cube, err := New(values, dims)
	require.NoError(t, err)

	values[0] = 100
	dims[0].Labels[0] = "changed"
	assert.Equal(t, []float64{1, 2}, cube.Values())
	labels, err := cube.Labels("x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, labels)

	out := cube.Values()
	out[1] = 7
	assert.Equal(t, []float64{1, 2}, cube.Values())

	shape := cube.Shape()
	shape[0] = 9
	assert.Equal(t, []int{2}, cube.Shape())
}

func TestReduce(t *testing.T) {
	cube := timeXY(t)

	t.Run("MeanOverTime", func(t *testing.T) {
		out, err := cube.Reduce("time", ReduceMean)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, out.Shape())
		assert.Equal(t, []string{"x", "y"}, out.DimensionNames())
		assert.Equal(t, []float64{5, 6, 7, 8}, out.Values())

		// the input is untouched
		assert.Equal(t, []int{3, 2, 2}, cube.Shape())
	})

	t.Run("SumOverMiddleAxis", func(t *testing.T) {
		out, err := cube.Reduce("x", ReduceSum)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2}, out.Shape())
		assert.Equal(t, []float64{4, 6, 12, 14, 20, 22}, out.Values())
	})

	t.Run("MaxOverLastAxis", func(t *testing.T) {
		out, err := cube.Reduce("y", ReduceMax)
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 4, 6, 8, 10, 12}, out.Values())
	})

	t.Run("UnknownDimension", func(t *testing.T) {
		_, err := cube.Reduce("band", ReduceMean)
		require.ErrorIs(t, err, ErrInvalidCoordinate)
	})

	t.Run("UnknownReducer", func(t *testing.T) {
		_, err := cube.Reduce("time", "mode")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown reducer")
	})
}

func TestReducers(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name     string
		input    []float64
		expected float64
	}{
		{ReduceMean, []float64{1, 2, nan, 3}, 2},
		{ReduceSum, []float64{1, 2, nan, 3}, 6},
		{ReduceMin, []float64{4, nan, -1}, -1},
		{ReduceMax, []float64{4, nan, -1}, 4},
		{ReduceMedian, []float64{5, 1, 3, 2}, 2.5},
		{ReduceStd, []float64{2, 4, 4, 4, 5, 5, 7, 9}, 2},
		{ReduceCount, []float64{1, nan, nan}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := LookupReducer(tt.name)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, r(tt.input), 1e-12)
		})
	}

	t.Run("AllNaN", func(t *testing.T) {
		r, err := LookupReducer(ReduceMean)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(r([]float64{nan, nan})))
	})
}

func TestSelectAndSlice(t *testing.T) {
	cube := timeXY(t)

	sel, err := cube.Select("time", "2020-01-02")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, sel.DimensionNames())
	assert.Equal(t, []float64{5, 6, 7, 8}, sel.Values())

	_, err = cube.Select("time", "1999-01-01")
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	sl, err := cube.Slice("time", []string{"2020-01-03", "2020-01-01"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, sl.Shape())
	assert.Equal(t, []float64{9, 10, 11, 12, 1, 2, 3, 4}, sl.Values())
	labels, err := sl.Labels("time")
	require.NoError(t, err)
	assert.Equal(t, []string{"2020-01-03", "2020-01-01"}, labels)
}

func TestMapAndZip(t *testing.T) {
	cube := timeXY(t)

	doubled := cube.Map(func(v float64) float64 { return v * 2 })
	assert.Equal(t, 24.0, doubled.Values()[11])
	assert.Equal(t, 12.0, cube.Values()[11])

	sum, err := cube.Zip(doubled, func(a, b float64) float64 { return a + b })
	require.NoError(t, err)
	assert.Equal(t, 36.0, sum.Values()[11])

	other, err := New([]float64{1, 2}, []Dimension{{Name: "x", Labels: []string{"0", "1"}}})
	require.NoError(t, err)
	_, err = cube.Zip(other, func(a, b float64) float64 { return a })
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCoordinates(t *testing.T) {
	cube := timeXY(t)
	coords := cube.Coordinates(7)
	assert.Equal(t, map[string]string{"time": "2020-01-02", "x": "1", "y": "1"}, coords)
}

func TestEqual(t *testing.T) {
	a, err := New([]float64{math.NaN(), 1}, []Dimension{{Name: "x", Labels: []string{"a", "b"}}})
	require.NoError(t, err)
	b, err := New([]float64{math.NaN(), 1}, []Dimension{{Name: "x", Labels: []string{"a", "b"}}})
	require.NoError(t, err)

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, b.WithName("other")))
	assert.False(t, Equal(a, b.Map(func(v float64) float64 { return v + 1 })))
}

func TestString(t *testing.T) {
	assert.Equal(t, "cube(time=3, x=2, y=2)", timeXY(t).String())
}
