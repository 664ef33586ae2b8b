package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelle-silva/PicaComic/internal/stoptoken"
)

func TestForEachConcurrentRunsAllJobs(t *testing.T) {
	var ran int64
	jobs := make([]Job, 20)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}
	}

	err := ForEachConcurrent(context.Background(), 4, jobs, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 20, atomic.LoadInt64(&ran))
}

func TestForEachConcurrentEmptyJobsIsNoop(t *testing.T) {
	err := ForEachConcurrent(context.Background(), 4, nil, nil)
	assert.NoError(t, err)
}

func TestForEachConcurrentFirstErrorCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	var started, finished int64

	jobs := make([]Job, 30)
	for i := range jobs {
		idx := i
		jobs[i] = func(ctx context.Context) error {
			atomic.AddInt64(&started, 1)
			if idx == 5 {
				return boom
			}
			<-ctx.Done()
			atomic.AddInt64(&finished, 1)
			return ctx.Err()
		}
	}

	err := ForEachConcurrent(context.Background(), 8, jobs, nil)
	assert.ErrorIs(t, err, boom)
}

func TestForEachConcurrentHonorsPreSignaledStopToken(t *testing.T) {
	tok := stoptoken.New()
	tok.Signal(stoptoken.Cancel)

	called := false
	jobs := []Job{func(ctx context.Context) error {
		called = true
		return nil
	}}

	err := ForEachConcurrent(context.Background(), 2, jobs, tok)
	require.Error(t, err)
	_, ok := stoptoken.As(err)
	assert.True(t, ok)
	assert.False(t, called, "no job should dispatch once the token is already signaled")
}

func TestForEachConcurrentClampsConcurrencyBelowOne(t *testing.T) {
	var ran int64
	jobs := []Job{
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
	}
	err := ForEachConcurrent(context.Background(), 0, jobs, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ran)
}
