package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCompute_MissThenHit(t *testing.T) {
	c := New()
	ctx := context.Background()

	var calls int
	fn := func(ctx context.Context) (any, error) {
		calls++
		return "result", nil
	}

	v, hit, err := c.GetOrCompute(ctx, "k", time.Minute, fn)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "result", v)

	v, hit, err = c.GetOrCompute(ctx, "k", time.Minute, fn)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "result", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_ExpiryRecomputes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var calls int
	fn := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	_, _, err := c.GetOrCompute(ctx, "k", time.Minute, fn)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	v, hit, err := c.GetOrCompute(ctx, "k", time.Minute, fn)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, v)
}

func TestGetOrCompute_ErrorsNotCached(t *testing.T) {
	c := New()
	ctx := context.Background()

	boom := errors.New("upstream down")
	calls := 0
	_, _, err := c.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) (any, error) {
		calls++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	v, _, err := c.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) (any, error) {
		calls++
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_ConcurrentMissesShareOneCall(t *testing.T) {
	c := New()
	ctx := context.Background()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		close(started)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrCompute(ctx, "k", time.Minute, fn)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}
