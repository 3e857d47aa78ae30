// Package compilequeue admits compilation jobs keyed by content id and hands
// them, one at a time and in submission order, to a single worker.
//
// At most one job per content id is pending or compiling at any time.
// Callers submitting an id that is already in flight join the existing job
// and are released together when the worker publishes its outcome.
package compilequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contract-wizard/compiler-server/internal/contenthash"
)

var (
	ErrInvalidJob         = errors.New("compilequeue: invalid job")
	ErrInvalidOutcome     = errors.New("compilequeue: invalid outcome")
	ErrInvariantViolation = errors.New("compilequeue: invariant violation")
	ErrQueueFull          = errors.New("compilequeue: queue full")
	ErrShuttingDown       = errors.New("compilequeue: shutting down")
)

type Status int

const (
	StatusPending Status = iota + 1
	StatusCompiling
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompiling:
		return "compiling"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// JobSpec is what a caller submits. ID must already be derived from Source.
type JobSpec struct {
	ID        contenthash.ID
	Source    string
	Submitter string
	Features  []string
}

// Outcome is the published result of a job.
type Outcome struct {
	Status Status

	Bytecode []byte
	Metadata json.RawMessage

	Reason string
}

func Succeeded(bytecode []byte, metadata json.RawMessage) Outcome {
	return Outcome{
		Status:   StatusSucceeded,
		Bytecode: append([]byte(nil), bytecode...),
		Metadata: append(json.RawMessage(nil), metadata...),
	}
}

func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

func (o Outcome) clone() Outcome {
	out := o
	out.Bytecode = append([]byte(nil), o.Bytecode...)
	out.Metadata = append(json.RawMessage(nil), o.Metadata...)
	return out
}

// Job is the transient record of one in-flight compilation. Its spec is
// immutable; status, outcome and waiters are guarded by the owning queue.
type Job struct {
	spec        JobSpec
	submittedAt time.Time

	status  Status
	outcome Outcome
	waiters int
	done    chan struct{}
}

func (j *Job) ID() contenthash.ID     { return j.spec.ID }
func (j *Job) Spec() JobSpec          { return cloneSpec(j.spec) }
func (j *Job) SubmittedAt() time.Time { return j.submittedAt }

// Handle is a caller's reference to a job returned by SubmitOrJoin.
type Handle struct {
	job      *Job
	released atomic.Bool
}

func (h *Handle) ID() contenthash.ID { return h.job.spec.ID }

type Config struct {
	// MaxPending bounds the number of jobs waiting to be compiled. Zero means
	// unbounded. Joining an in-flight job is never rejected.
	MaxPending int

	Now func() time.Time
}

type Stats struct {
	Pending  int
	InFlight int
	Waiters  int
}

type Queue struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	inflight map[contenthash.ID]*Job
	pending  []*Job

	shutdown atomic.Bool
}

func New(cfg Config) *Queue {
	if cfg.MaxPending < 0 {
		cfg.MaxPending = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	q := &Queue{
		cfg:      cfg,
		inflight: make(map[contenthash.ID]*Job),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SubmitOrJoin returns a handle to the in-flight job for spec.ID, creating and
// enqueueing a new pending job when there is none. created reports whether
// this call created the job.
func (q *Queue) SubmitOrJoin(spec JobSpec) (h *Handle, created bool, err error) {
	if spec.ID.IsZero() {
		return nil, false, fmt.Errorf("%w: missing id", ErrInvalidJob)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.inflight[spec.ID]; ok {
		if j.status.Terminal() {
			return nil, false, fmt.Errorf("%w: retired job %s still indexed (%s)", ErrInvariantViolation, spec.ID, j.status)
		}
		j.waiters++
		return &Handle{job: j}, false, nil
	}

	if q.shutdown.Load() {
		return nil, false, ErrShuttingDown
	}
	if q.cfg.MaxPending > 0 && len(q.pending) >= q.cfg.MaxPending {
		return nil, false, fmt.Errorf("%w: %d jobs pending", ErrQueueFull, len(q.pending))
	}

	j := &Job{
		spec:        cloneSpec(spec),
		submittedAt: q.cfg.Now().UTC(),
		status:      StatusPending,
		waiters:     1,
		done:        make(chan struct{}),
	}
	q.inflight[spec.ID] = j
	q.pending = append(q.pending, j)
	q.cond.Signal()
	return &Handle{job: j}, true, nil
}

// TakeNext blocks until a pending job exists or shutdown is requested. It
// removes the oldest pending job and marks it compiling. ok is false only
// once shutdown was requested and nothing is left pending.
//
// Only one goroutine may call TakeNext.
func (q *Queue) TakeNext() (job *Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.shutdown.Load() {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}

	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	j.status = StatusCompiling
	return j, true
}

// Publish records the outcome of a compiling job, releases every waiter and
// retires the job. Later submissions for the same id create a new job.
func (q *Queue) Publish(id contenthash.ID, out Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("%w: status %s", ErrInvalidOutcome, out.Status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.inflight[id]
	if !ok {
		return fmt.Errorf("%w: publish for %s without in-flight job", ErrInvariantViolation, id)
	}
	if j.status != StatusCompiling {
		return fmt.Errorf("%w: publish for %s in state %s", ErrInvariantViolation, id, j.status)
	}

	j.status = out.Status
	j.outcome = out.clone()
	delete(q.inflight, id)
	close(j.done)
	return nil
}

// Wait blocks until the job behind h is published and returns its outcome.
// If ctx ends first the caller stops waiting; the job itself keeps running
// and other waiters are unaffected.
func (q *Queue) Wait(ctx context.Context, h *Handle) (Outcome, error) {
	if h == nil || h.job == nil {
		return Outcome{}, fmt.Errorf("%w: nil handle", ErrInvalidJob)
	}
	j := h.job
	for {
		select {
		case <-j.done:
		case <-ctx.Done():
			q.release(h)
			return Outcome{}, ctx.Err()
		}

		q.mu.Lock()
		if j.status.Terminal() {
			out := j.outcome.clone()
			q.mu.Unlock()
			q.release(h)
			return out, nil
		}
		q.mu.Unlock()
	}
}

func (q *Queue) release(h *Handle) {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	h.job.waiters--
	q.mu.Unlock()
}

// RequestShutdown stops admission of new jobs. Pending jobs are still handed
// out by TakeNext until none remain.
func (q *Queue) RequestShutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown.CompareAndSwap(false, true) {
		q.cond.Broadcast()
	}
}

func (q *Queue) ShutdownRequested() bool {
	return q.shutdown.Load()
}

// Status reports the state of the in-flight job for id, if any.
func (q *Queue) Status(id contenthash.ID) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.inflight[id]
	if !ok {
		return 0, false
	}
	return j.status, true
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{
		Pending:  len(q.pending),
		InFlight: len(q.inflight),
	}
	for _, j := range q.inflight {
		st.Waiters += j.waiters
	}
	return st
}

func cloneSpec(s JobSpec) JobSpec {
	s.Features = append([]string(nil), s.Features...)
	return s
}
