package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/udf"
)

func result(t *testing.T, v float64) *udf.Result {
	t.Helper()
	c, err := datacube.New([]float64{v}, []datacube.Dimension{{Name: "x", Labels: []string{"0"}}})
	require.NoError(t, err)
	return udf.Success(c)
}

func TestNoop(t *testing.T) {
	var c Cache = Noop{}
	require.NoError(t, c.Set(context.Background(), "k", result(t, 1)))
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}

func TestMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("HitAndExpiry", func(t *testing.T) {
		now := time.Unix(1000, 0)
		m := NewMemory(time.Minute, 10)
		m.now = func() time.Time { return now }

		require.NoError(t, m.Set(ctx, "a", result(t, 1)))
		res, ok, err := m.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []float64{1}, res.Cubes[0].Values())

		now = now.Add(2 * time.Minute)
		_, ok, err = m.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Eviction", func(t *testing.T) {
		now := time.Unix(1000, 0)
		m := NewMemory(time.Minute, 2)
		m.now = func() time.Time { return now }

		require.NoError(t, m.Set(ctx, "a", result(t, 1)))
		now = now.Add(time.Second)
		require.NoError(t, m.Set(ctx, "b", result(t, 2)))
		now = now.Add(time.Second)
		require.NoError(t, m.Set(ctx, "c", result(t, 3)))

		_, ok, _ := m.Get(ctx, "a")
		assert.False(t, ok, "oldest entry evicted")
		_, ok, _ = m.Get(ctx, "b")
		assert.True(t, ok)
		_, ok, _ = m.Get(ctx, "c")
		assert.True(t, ok)

		require.NoError(t, m.Set(ctx, "c", result(t, 4)))
		res, ok, _ := m.Get(ctx, "c")
		require.True(t, ok)
		assert.Equal(t, []float64{4}, res.Cubes[0].Values())
	})
}

func TestRedisUnavailable(t *testing.T) {
	r := NewRedis(RedisOptions{Address: "127.0.0.1:1", TTL: time.Minute})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Error(t, r.Ping(ctx))
	_, ok, err := r.Get(ctx, "missing")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, r.Set(ctx, "k", result(t, 1)))
}
