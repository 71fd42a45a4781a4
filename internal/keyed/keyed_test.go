package keyed

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

func TestGenerations(t *testing.T) {
	var g Generations
	first := g.Begin("/app")
	assert.True(t, g.Valid(first))

	second := g.Begin("/app")
	assert.False(t, g.Valid(first), "older token must be stale")
	assert.True(t, g.Valid(second))
	assert.Equal(t, second, g.Current("/app"))

	other := g.Begin("/other")
	assert.True(t, g.Valid(second), "other keys must not affect /app")
	assert.True(t, g.Valid(other))
}

func TestGroupJoinsConcurrentCalls(t *testing.T) {
	var g Group[int]
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := g.Do("/app", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestLatestDiscardsStaleResult(t *testing.T) {
	var l Latest[string]
	started := make(chan struct{})
	canceled := make(chan struct{})

	done := make(chan struct{})
	var fresh bool
	go func() {
		defer close(done)
		_, fresh, _ = l.Do(context.Background(), "/app", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			close(canceled)
			return "slow", nil
		})
	}()

	<-started
	l.Invalidate("/app")

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("invalidate did not cancel in-flight work")
	}
	<-done
	assert.False(t, fresh, "result from before Invalidate must be stale")

	v, fresh, err := l.Do(context.Background(), "/app", func(ctx context.Context) (string, error) {
		return "fast", nil
	})
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, "fast", v)
}

func TestLatestPropagatesError(t *testing.T) {
	var l Latest[int]
	boom := errors.New("boom")
	_, fresh, err := l.Do(context.Background(), "/app", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.True(t, fresh)
	assert.ErrorIs(t, err, boom)
}

func TestLatestCallerContext(t *testing.T) {
	var l Latest[int]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	_, fresh, err := l.Do(ctx, "/app", func(context.Context) (int, error) {
		<-block
		return 1, nil
	})
	assert.False(t, fresh)
	assert.ErrorIs(t, err, context.Canceled)
}
