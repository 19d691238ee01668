// Package subscription consumes the repository event stream and feeds the indexer.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/indexing"
	"github.com/and161185/skyindex/internal/metrics"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

// Indexer is the part of the indexing service driven by events.
type Indexer interface {
	IndexRecord(ctx context.Context, uri model.URI, cid string, raw []byte, action model.WriteAction, ts time.Time, opts indexing.InsertOptions) error
	DeleteRecord(ctx context.Context, uri model.URI, cascading bool) error
	IndexHandle(ctx context.Context, did string, ts time.Time, force bool) error
	SetCommitLastSeen(ctx context.Context, did, commitCID, rev string) error
	IndexRepo(ctx context.Context, did, commit string) error
	UpdateActorStatus(ctx context.Context, did string, active bool, status string) error
	DeleteActor(ctx context.Context, did string) error
}

// Drainer is the background queue flushed on shutdown.
type Drainer interface {
	Destroy(ctx context.Context) error
}

// Options configures a Runner.
type Options struct {
	// Service names the upstream; the cursor is stored under it.
	Service string
	// MaxPending bounds events accepted but not yet processed.
	MaxPending int
}

// Runner dispatches events to the indexer with per-repo ordering and persists
// the cursor only past fully processed events.
type Runner struct {
	opts       Options
	indexer    Indexer
	transport  Transport
	cursors    repository.CursorRepository
	background Drainer
	log        *zap.Logger
	metrics    *metrics.Collector

	queue       *PartitionedQueue
	consecutive ConsecutiveList[int64]
	cursor      atomic.Int64 // highest seq with every earlier event processed
	saved       int64
	saveMu      sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(opts Options, indexer Indexer, transport Transport, cursors repository.CursorRepository,
	background Drainer, log *zap.Logger, m *metrics.Collector) *Runner {
	if opts.MaxPending <= 0 {
		opts.MaxPending = 500
	}
	return &Runner{
		opts:       opts,
		indexer:    indexer,
		transport:  transport,
		cursors:    cursors,
		background: background,
		log:        log.With(zap.String("service", opts.Service)),
		metrics:    m,
		queue:      NewPartitionedQueue(opts.MaxPending),
	}
}

// Cursor returns the sequence number consumption would resume after.
func (r *Runner) Cursor() int64 { return r.cursor.Load() }

// Run consumes events until ctx is cancelled or Destroy is called.
func (r *Runner) Run(ctx context.Context) error {
	start, err := r.cursors.GetCursor(ctx, r.opts.Service)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	r.cursor.Store(start)
	r.saveMu.Lock()
	r.saved = start
	r.saveMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()
	defer close(done)
	defer cancel()

	r.log.Info("subscription started", zap.Int64("cursor", start))
	events := make(chan model.Event)
	transportErr := make(chan error, 1)
	go func() {
		transportErr <- r.transport.Run(ctx, r.Cursor, events)
	}()

	// handlers outlive shutdown so no transaction is cut short
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			<-transportErr
			return nil
		case err := <-transportErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: %w", err)
		case ev := <-events:
			if ev.Kind == model.EventInfo || ev.Seq == 0 {
				r.logInfo(ev)
				continue
			}
			item := r.consecutive.Push(ev.Seq)
			// Add only fails once ctx is done; the event is redelivered on restart.
			_ = r.queue.Add(ctx, ev.DID, func() {
				r.handle(work, ev)
				if released := item.Complete(); len(released) > 0 {
					r.advance(work, released[len(released)-1])
				}
			})
		}
	}
}

func (r *Runner) logInfo(ev model.Event) {
	fields := []zap.Field{zap.String("kind", ev.Kind)}
	if ev.Info != nil {
		fields = append(fields, zap.String("name", ev.Info.Name), zap.String("message", ev.Info.Message))
	}
	r.log.Warn("subscription info message", fields...)
	r.metrics.Event(ev.Kind, "info")
}

// handle processes one event. Failures are logged and the event is skipped so
// a poison message cannot stall the cursor.
func (r *Runner) handle(ctx context.Context, ev model.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event handler panic", zap.Int64("seq", ev.Seq), zap.String("did", ev.DID), zap.Any("panic", rec))
			r.metrics.Event(ev.Kind, "error")
		}
	}()

	var err error
	switch ev.Kind {
	case model.EventCommit:
		err = r.handleCommit(ctx, ev)
	case model.EventIdentity:
		err = r.indexer.IndexHandle(ctx, ev.DID, ev.Time, true)
	case model.EventAccount:
		err = r.handleAccount(ctx, ev)
	case model.EventSync:
		err = r.handleSync(ctx, ev)
	default:
		err = fmt.Errorf("unhandled event kind %q", ev.Kind)
	}
	if err != nil {
		r.log.Error("event processing error", zap.Int64("seq", ev.Seq), zap.String("did", ev.DID),
			zap.String("kind", ev.Kind), zap.Error(err))
		r.metrics.Event(ev.Kind, "error")
		return
	}
	r.metrics.Event(ev.Kind, "ok")
}

func (r *Runner) handleCommit(ctx context.Context, ev model.Event) error {
	c := ev.Commit
	if c == nil {
		return fmt.Errorf("%w: commit event without commit", errs.ErrValidation)
	}
	var (
		wg                sync.WaitGroup
		recErr, handleErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		recErr = r.indexRecords(ctx, ev)
	}()
	go func() {
		defer wg.Done()
		handleErr = r.indexer.IndexHandle(ctx, ev.DID, ev.Time, false)
	}()
	wg.Wait()
	return multierr.Combine(recErr, handleErr)
}

func (r *Runner) indexRecords(ctx context.Context, ev model.Event) error {
	c := ev.Commit
	if c.TooBig {
		if err := r.indexer.IndexRepo(ctx, ev.DID, c.Commit); err != nil {
			return err
		}
		return r.indexer.SetCommitLastSeen(ctx, ev.DID, c.Commit, c.Rev)
	}
	for _, op := range c.Ops {
		uri := model.MakeURI(ev.DID, op.Collection, op.Rkey)
		if op.Action == model.ActionDelete {
			if err := r.indexer.DeleteRecord(ctx, uri, false); err != nil {
				return fmt.Errorf("delete %s: %w", uri, err)
			}
			continue
		}
		err := r.indexer.IndexRecord(ctx, uri, op.CID, op.Record, op.Action, ev.Time, indexing.InsertOptions{})
		if err == nil {
			continue
		}
		fields := []zap.Field{zap.String("did", ev.DID), zap.String("commit", c.Commit),
			zap.String("uri", uri.String()), zap.String("cid", op.CID)}
		if errors.Is(err, errs.ErrValidation) {
			r.log.Warn("skipping indexing of invalid record", fields...)
		} else {
			r.log.Error("skipping indexing due to error processing record", append(fields, zap.Error(err))...)
		}
	}
	return r.indexer.SetCommitLastSeen(ctx, ev.DID, c.Commit, c.Rev)
}

func (r *Runner) handleAccount(ctx context.Context, ev model.Event) error {
	a := ev.Account
	if a == nil {
		return fmt.Errorf("%w: account event without status", errs.ErrValidation)
	}
	if !a.Active && a.Status == model.StatusDeleted {
		return r.indexer.DeleteActor(ctx, ev.DID)
	}
	return r.indexer.UpdateActorStatus(ctx, ev.DID, a.Active, a.Status)
}

func (r *Runner) handleSync(ctx context.Context, ev model.Event) error {
	s := ev.Sync
	if s == nil {
		return fmt.Errorf("%w: sync event without commit", errs.ErrValidation)
	}
	if err := r.indexer.IndexRepo(ctx, ev.DID, s.Commit); err != nil {
		return err
	}
	return r.indexer.SetCommitLastSeen(ctx, ev.DID, s.Commit, s.Rev)
}

// advance moves the cursor forward and persists it. Lanes finish out of
// order, so older values never overwrite newer ones.
func (r *Runner) advance(ctx context.Context, seq int64) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if seq <= r.saved {
		return
	}
	r.cursor.Store(seq)
	if err := r.cursors.UpdateCursor(ctx, r.opts.Service, seq); err != nil {
		r.log.Error("subscription cursor error", zap.Int64("seq", seq), zap.Error(err))
		return
	}
	r.saved = seq
	r.metrics.Cursor(seq)
}

// Destroy stops the transport, waits for queued events, then drains the
// background queue so no scheduled aggregate work is lost.
func (r *Runner) Destroy(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.queue.Destroy()
	return r.background.Destroy(ctx)
}
