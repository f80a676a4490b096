package fetch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Batch schedules independent fetch-and-callback units. A failing unit never
// cancels its siblings; Wait joins them all.
type Batch struct {
	f   *Fetcher
	ctx context.Context
	g   errgroup.Group

	mu   sync.Mutex
	errs []*Error
}

// NewBatch starts an empty batch. The number of live goroutines is bounded
// by the fetcher's concurrency.
func (f *Fetcher) NewBatch(ctx context.Context) *Batch {
	b := &Batch{f: f, ctx: ctx}
	b.g.SetLimit(f.cfg.Concurrency)
	return b
}

// Go schedules req; fn runs with the body after the fetch gate is released.
// Go blocks while the batch is at its goroutine limit.
func (b *Batch) Go(req Request, fn func(body string) error) {
	b.g.Go(func() error {
		body, err := b.f.Fetch(b.ctx, req)
		if err != nil {
			b.record(asError(req.URL, err))
			return nil
		}
		if err := fn(body); err != nil {
			if errors.Is(err, ErrUnparseable) && !req.NoCache {
				b.f.MarkUnparseable(b.ctx, req.URL)
			}
			b.record(asError(req.URL, err))
		}
		return nil
	})
}

// Wait blocks until every scheduled unit finished and returns their failures.
func (b *Batch) Wait() []*Error {
	_ = b.g.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs
}

func (b *Batch) record(err *Error) {
	b.f.log.Warn("Fetch unit failed",
		zap.String("url", err.URL),
		zap.Bool("transient", err.Transient),
		zap.Error(err.Err))
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
}

func asError(url string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{URL: url, Err: err}
}
