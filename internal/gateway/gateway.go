// Package gateway is the request-side entry point for compilation. It serves
// cached contracts from the store and otherwise submits or joins a job on the
// compilation queue and waits for its outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/contract-wizard/compiler-server/internal/compilequeue"
	"github.com/contract-wizard/compiler-server/internal/contenthash"
	"github.com/contract-wizard/compiler-server/internal/contract"
)

var (
	ErrInvalidConfig     = errors.New("gateway: invalid config")
	ErrCompilationFailed = errors.New("gateway: compilation failed")
	ErrStoreUnavailable  = errors.New("gateway: store unavailable")
	ErrNotFound          = errors.New("gateway: contract not found")
)

// CompilationFailedError carries the reason published by the worker.
type CompilationFailedError struct {
	CodeID contenthash.ID
	Reason string
}

func (e *CompilationFailedError) Error() string {
	return "gateway: compilation failed: " + e.Reason
}

func (e *CompilationFailedError) Unwrap() error { return ErrCompilationFailed }

// Request is a validated compile request.
type Request struct {
	Code     string
	Address  string
	Features []string
}

type Gateway struct {
	queue *compilequeue.Queue
	store contract.Store
	log   *slog.Logger
}

func New(q *compilequeue.Queue, store contract.Store, log *slog.Logger) (*Gateway, error) {
	if q == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{queue: q, store: store, log: log}, nil
}

// FetchOrCompile returns the stored contract for req.Code, compiling it first
// when it is not cached. Concurrent calls for the same source share a single
// compilation. Queue admission errors (compilequeue.ErrShuttingDown,
// compilequeue.ErrQueueFull) and ctx errors are returned as is.
func (g *Gateway) FetchOrCompile(ctx context.Context, req Request) (contract.Contract, error) {
	id := contenthash.OfString(req.Code)

	c, err := g.store.Get(ctx, id)
	switch {
	case err == nil:
		return c, nil
	case !errors.Is(err, contract.ErrNotFound):
		return contract.Contract{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	h, created, err := g.queue.SubmitOrJoin(compilequeue.JobSpec{
		ID:        id,
		Source:    req.Code,
		Submitter: req.Address,
		Features:  req.Features,
	})
	if err != nil {
		return contract.Contract{}, err
	}
	g.log.Debug("compile job admitted", "code_id", id.String(), "created", created)

	out, err := g.queue.Wait(ctx, h)
	if err != nil {
		return contract.Contract{}, err
	}
	if out.Status == compilequeue.StatusFailed {
		return contract.Contract{}, &CompilationFailedError{CodeID: id, Reason: out.Reason}
	}

	c, err = g.store.Get(ctx, id)
	if err != nil {
		// The worker publishes success only after the record is stored.
		return contract.Contract{}, fmt.Errorf("%w: read after compile: %v", ErrStoreUnavailable, err)
	}
	return c, nil
}

// GetContract reads a stored contract without compiling.
func (g *Gateway) GetContract(ctx context.Context, codeID contenthash.ID) (contract.Contract, error) {
	c, err := g.store.Get(ctx, codeID)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, contract.ErrNotFound):
		return contract.Contract{}, ErrNotFound
	default:
		return contract.Contract{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// Stats exposes the queue counters for health reporting.
func (g *Gateway) Stats() compilequeue.Stats {
	return g.queue.Stats()
}

// Accepting reports whether new compilations are admitted.
func (g *Gateway) Accepting() bool {
	return !g.queue.ShutdownRequested()
}
