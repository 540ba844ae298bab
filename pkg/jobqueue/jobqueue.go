// Package jobqueue implements C8: the in-process correlation table that
// lets a synchronous caller wait on work completed asynchronously (the
// engine's RemoteStore.Add worker). The worker resolves its job directly
// through Resolve; the queue does not consume job:complete events (§4.8).
package jobqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Result is what a job resolves or rejects with.
type Result struct {
	Value interface{}
	Err   error
}

type job struct {
	wanted bool // cooperative cancellation flag; producer checks before publishing
	done   chan Result
}

// Queue is the job correlation table: jobId -> {deadline, resolver}.
// Holds on mu are short: insertion, removal, resolution (§5).
type Queue struct {
	mu             sync.Mutex
	jobs           map[string]*job
	defaultTimeout time.Duration
}

// New builds a Queue with the given default wait deadline (30s if zero).
func New(defaultTimeout time.Duration) *Queue {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Queue{jobs: make(map[string]*job), defaultTimeout: defaultTimeout}
}

// NewJobID returns a 128-bit random hex job id.
func NewJobID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Enqueue registers a new job id. The caller then calls Wait on the same
// id to block for the result; the deadline is armed when Wait starts.
func (q *Queue) Enqueue(id string) {
	q.mu.Lock()
	q.jobs[id] = &job{wanted: true, done: make(chan Result, 1)}
	q.mu.Unlock()
}

// Wait blocks until the job resolves, ctx is canceled, or the deadline
// (Queue's default, or a shorter one from ctx) elapses. On timeout the
// job's "still wanted" flag is cleared so a late Resolve drops silently.
func (q *Queue) Wait(ctx context.Context, id string) (Result, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownJob
	}

	timer := time.NewTimer(q.defaultTimeout)
	defer timer.Stop()

	select {
	case r := <-j.done:
		return r, nil
	case <-ctx.Done():
		q.markUnwanted(id)
		return Result{}, ctx.Err()
	case <-timer.C:
		q.markUnwanted(id)
		return Result{}, ErrTimeout
	}
}

func (q *Queue) markUnwanted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		j.wanted = false
	}
}

// StillWanted reports whether id's waiter has not yet timed out. The
// producer checks this before publishing a result, per the cooperative
// cancellation model (§4.8).
func (q *Queue) StillWanted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return ok && j.wanted
}

// Resolve delivers r to id's single waiter and removes the job. If the
// waiter already timed out (or the id is unknown), the result is dropped
// silently, per §4.8.
func (q *Queue) Resolve(id string, r Result) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if ok {
		delete(q.jobs, id)
	}
	q.mu.Unlock()
	if !ok || !j.wanted {
		return
	}
	j.done <- r
}

// Forget removes id without resolving it, for jobs that are never going
// to be waited on.
func (q *Queue) Forget(id string) {
	q.mu.Lock()
	delete(q.jobs, id)
	q.mu.Unlock()
}

// Len returns the number of outstanding jobs, used by the sync_status
// tool (§6).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// ErrUnknownJob is returned by Wait when id was never enqueued (or was
// already resolved/forgotten by another caller).
var ErrUnknownJob = jobErr("jobqueue: unknown job id")

// ErrTimeout is returned by Wait when the default deadline elapses
// before the job resolves.
var ErrTimeout = jobErr("jobqueue: job timed out")

type jobErr string

func (e jobErr) Error() string { return string(e) }
