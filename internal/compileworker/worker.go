// Package compileworker runs the single goroutine that takes jobs from a
// compilequeue.Queue, compiles them, persists the result and publishes the
// outcome back to the queue.
package compileworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contract-wizard/compiler-server/internal/artifactstore"
	"github.com/contract-wizard/compiler-server/internal/compilequeue"
	"github.com/contract-wizard/compiler-server/internal/compiler"
	"github.com/contract-wizard/compiler-server/internal/contract"
	"github.com/contract-wizard/compiler-server/internal/events"
)

var (
	ErrInvalidConfig = errors.New("compileworker: invalid config")
	ErrDrainTimeout  = errors.New("compileworker: drain did not finish")
)

type State int32

const (
	StateIdle State = iota + 1
	StateCompiling
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCompiling:
		return "compiling"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	// CompileTimeout bounds one compilation. Shutdown does not shorten it.
	CompileTimeout time.Duration
	// StoreTimeout bounds each contract store call made by the worker.
	StoreTimeout time.Duration
	// SideEffectTimeout bounds artifact archiving and event publishing.
	SideEffectTimeout time.Duration

	// Artifacts and Events are optional.
	Artifacts artifactstore.Store
	Events    events.Publisher

	Now func() time.Time
}

type Worker struct {
	cfg Config

	queue    *compilequeue.Queue
	compiler compiler.Compiler
	store    contract.Store
	log      *slog.Logger

	state     atomic.Int32
	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}

	compiledCount atomic.Uint64
	failedCount   atomic.Uint64
	cachedCount   atomic.Uint64
}

func New(cfg Config, q *compilequeue.Queue, c compiler.Compiler, store contract.Store, log *slog.Logger) (*Worker, error) {
	if q == nil || c == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = 5 * time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 30 * time.Second
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Worker{
		cfg:      cfg,
		queue:    q,
		compiler: c,
		store:    store,
		log:      log,
		done:     make(chan struct{}),
	}
	w.state.Store(int32(StateIdle))
	return w, nil
}

// Start launches the worker goroutine. Calls after the first are no-ops.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Shutdown requests queue shutdown and blocks until every pending job has
// been compiled and published and the worker goroutine has exited. If ctx
// ends first the worker keeps draining in the background.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.queue.RequestShutdown()
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDrainTimeout, ctx.Err())
	}
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.state.Store(int32(StateStopped))

	w.log.Info("compile worker started")
	for {
		if w.queue.ShutdownRequested() {
			w.state.Store(int32(StateDraining))
		} else {
			w.state.Store(int32(StateIdle))
		}

		job, ok := w.queue.TakeNext()
		if !ok {
			w.log.Info("compile worker stopped",
				"compiled_count", w.compiledCount.Load(),
				"failed_count", w.failedCount.Load(),
				"cached_count", w.cachedCount.Load(),
			)
			return
		}
		w.state.Store(int32(StateCompiling))
		w.process(job)
	}
}

func (w *Worker) process(job *compilequeue.Job) {
	spec := job.Spec()
	id := spec.ID.String()
	start := w.cfg.Now()

	res := w.executeRecovered(spec)
	elapsed := w.cfg.Now().Sub(start)

	if err := w.queue.Publish(spec.ID, res.outcome); err != nil {
		w.log.Error("compile worker publish", "code_id", id, "err", err)
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("compile worker reporting panicked", "code_id", id, "panic", r)
		}
	}()
	queueLag := start.Sub(job.SubmittedAt())
	if queueLag < 0 {
		queueLag = 0
	}
	switch {
	case res.outcome.Status == compilequeue.StatusFailed:
		w.failedCount.Add(1)
		w.log.Warn("compile failed",
			"code_id", id,
			"reason", res.outcome.Reason,
			"elapsed", elapsed,
			"queue_lag", queueLag,
		)
		w.emitFailed(spec, res.outcome.Reason, elapsed)
	case res.cached:
		w.cachedCount.Add(1)
		w.log.Info("compile skipped, contract already stored", "code_id", id, "archived", res.archived)
	default:
		w.compiledCount.Add(1)
		w.log.Info("compiled",
			"code_id", id,
			"wasm_bytes", len(res.outcome.Bytecode),
			"archived", res.archived,
			"elapsed", elapsed,
			"queue_lag", queueLag,
		)
		w.emitCompiled(spec, len(res.outcome.Bytecode), res.archived, elapsed)
	}
}

type result struct {
	outcome  compilequeue.Outcome
	cached   bool
	archived bool
}

// executeRecovered turns a panic anywhere in execute into a Failed outcome so
// the job is always published and its waiters released.
func (w *Worker) executeRecovered(spec compilequeue.JobSpec) (res result) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("compile job panicked", "code_id", spec.ID.String(), "panic", r)
			res = result{outcome: compilequeue.Failed(fmt.Sprintf("internal error: %v", r))}
		}
	}()
	return w.execute(spec)
}

func (w *Worker) execute(spec compilequeue.JobSpec) result {
	// A job for an id that reached the store between the caller's lookup and
	// its submission must not be compiled again.
	existing, err := w.getContract(spec)
	switch {
	case err == nil:
		return result{
			outcome:  compilequeue.Succeeded(existing.Wasm, existing.Metadata),
			cached:   true,
			archived: w.archive(spec, existing.Wasm, existing.Metadata),
		}
	case !errors.Is(err, contract.ErrNotFound):
		return result{outcome: compilequeue.Failed("store unavailable: " + err.Error())}
	}

	art, err := w.compile(spec)
	if err != nil {
		return result{outcome: compilequeue.Failed(failureReason(err, w.cfg.CompileTimeout))}
	}
	if len(art.Wasm) == 0 {
		return result{outcome: compilequeue.Failed("compiler produced an empty artifact")}
	}

	c := contract.Contract{
		CodeID:    spec.ID,
		Wasm:      art.Wasm,
		Metadata:  art.Metadata,
		Features:  spec.Features,
		CreatedAt: w.cfg.Now().UTC(),
	}
	if err := w.insertContract(c); err != nil && !errors.Is(err, contract.ErrAlreadyExists) {
		return result{outcome: compilequeue.Failed("store unavailable: " + err.Error())}
	}

	return result{
		outcome:  compilequeue.Succeeded(art.Wasm, art.Metadata),
		archived: w.archive(spec, art.Wasm, art.Metadata),
	}
}

func (w *Worker) compile(spec compilequeue.JobSpec) (art compiler.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("compiler panicked", "code_id", spec.ID.String(), "panic", r)
			err = &panicError{value: r}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CompileTimeout)
	defer cancel()
	return w.compiler.Compile(ctx, spec.Source, spec.Features)
}

func (w *Worker) getContract(spec compilequeue.JobSpec) (contract.Contract, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.StoreTimeout)
	defer cancel()
	return w.store.Get(ctx, spec.ID)
}

func (w *Worker) insertContract(c contract.Contract) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.StoreTimeout)
	defer cancel()
	return w.store.Insert(ctx, c)
}

// archive uploads the artifact unless the archive already holds it. Archived
// objects are immutable per code id, so a stored contract whose archive copy
// is missing is backfilled here.
func (w *Worker) archive(spec compilequeue.JobSpec, wasm []byte, metadata json.RawMessage) bool {
	if w.cfg.Artifacts == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SideEffectTimeout)
	defer cancel()

	exists, err := w.cfg.Artifacts.Exists(ctx, spec.ID)
	if err != nil {
		w.log.Warn("archive lookup", "code_id", spec.ID.String(), "err", err)
	}
	if exists {
		return true
	}
	err = w.cfg.Artifacts.PutArtifact(ctx, artifactstore.Artifact{
		CodeID:   spec.ID,
		Wasm:     wasm,
		Metadata: metadata,
		Features: spec.Features,
	})
	if err != nil {
		w.log.Error("archive artifact", "code_id", spec.ID.String(), "err", err)
		return false
	}
	return true
}

func (w *Worker) emitCompiled(spec compilequeue.JobSpec, wasmBytes int, archived bool, elapsed time.Duration) {
	if w.cfg.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SideEffectTimeout)
	defer cancel()
	err := w.cfg.Events.PublishCompiled(ctx, events.Compiled{
		CodeID:    spec.ID.String(),
		Submitter: spec.Submitter,
		Features:  spec.Features,
		WasmBytes: wasmBytes,
		ElapsedMS: elapsed.Milliseconds(),
		Archived:  archived,
		At:        w.cfg.Now().UTC(),
	})
	if err != nil {
		w.log.Error("publish compiled event", "code_id", spec.ID.String(), "err", err)
	}
}

func (w *Worker) emitFailed(spec compilequeue.JobSpec, reason string, elapsed time.Duration) {
	if w.cfg.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SideEffectTimeout)
	defer cancel()
	err := w.cfg.Events.PublishFailed(ctx, events.Failed{
		CodeID:    spec.ID.String(),
		Submitter: spec.Submitter,
		Features:  spec.Features,
		Reason:    reason,
		ElapsedMS: elapsed.Milliseconds(),
		At:        w.cfg.Now().UTC(),
	})
	if err != nil {
		w.log.Error("publish failed event", "code_id", spec.ID.String(), "err", err)
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("compiler panicked: %v", e.value)
}

func failureReason(err error, timeout time.Duration) string {
	var rejected *compiler.RejectedError
	var panicked *panicError
	switch {
	case errors.As(err, &rejected):
		return rejected.Reason
	case errors.As(err, &panicked):
		return panicked.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("compilation timed out after %s", timeout)
	default:
		return "compiler error: " + err.Error()
	}
}
