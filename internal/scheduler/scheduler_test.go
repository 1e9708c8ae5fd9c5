package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name    string
	started chan struct{}
	release chan struct{}
	runs    int32
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	atomic.AddInt32(&j.runs, 1)
	if j.started != nil {
		j.started <- struct{}{}
	}
	if j.release != nil {
		<-j.release
	}
	return nil
}

func newTestScheduler() *Scheduler {
	return New(zerolog.Nop())
}

func TestRunNow_ExecutesJobOnce(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{name: "test"}
	s.RunNow(job)
	assert.Equal(t, int32(1), atomic.LoadInt32(&job.runs))
}

func TestRunNow_SkipsOverlappingInvocation(t *testing.T) {
	s := newTestScheduler()
	job := &countingJob{name: "slow", started: make(chan struct{}), release: make(chan struct{})}

	go s.RunNow(job)
	select {
	case <-job.started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	// A second invocation while the first is still in flight must be
	// skipped rather than queued or run concurrently.
	s.RunNow(job)
	assert.Equal(t, int32(1), atomic.LoadInt32(&job.runs))

	close(job.release)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&job.runs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunNow_DistinctJobsDoNotBlockEachOther(t *testing.T) {
	s := newTestScheduler()
	a := &countingJob{name: "a"}
	b := &countingJob{name: "b"}

	s.RunNow(a)
	s.RunNow(b)

	assert.Equal(t, int32(1), atomic.LoadInt32(&a.runs))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.runs))
}

func TestAddJob_RejectsInvalidSchedule(t *testing.T) {
	s := newTestScheduler()
	_, err := s.AddJob("not a cron expression", &countingJob{name: "bad"})
	require.Error(t, err)
}
