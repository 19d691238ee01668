package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/checkout"
	"github.com/and161185/skyindex/internal/coalesce"
	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/identity"
	"github.com/and161185/skyindex/internal/metrics"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

const tracerName = "github.com/and161185/skyindex/internal/indexing"

// IdentityResolver resolves DID documents and handles.
type IdentityResolver interface {
	ResolveDID(ctx context.Context, did string, force bool) (*identity.Document, error)
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// CheckoutSource fetches verified repository snapshots.
type CheckoutSource interface {
	Fetch(ctx context.Context, did string) (*checkout.Checkout, error)
	IsHosted(ctx context.Context, did string) (checkout.HostingStatus, error)
}

// Deps wires a Service.
type Deps struct {
	Store     repository.Store
	Queue     TaskQueue
	Resolver  IdentityResolver
	Checkouts CheckoutSource
	Coalescer *coalesce.Coalescer
	Log       *zap.Logger
	Metrics   *metrics.Collector
	// RepoConcurrency bounds concurrent record operations of one reconciliation.
	RepoConcurrency int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service routes record, identity and account operations to the index.
// Each public operation runs in its own transaction and must not be called inside one.
type Service struct {
	store     repository.Store
	indexers  map[string]Indexer
	resolver  IdentityResolver
	checkouts CheckoutSource
	handles   *cache.Cache // did -> last handle check
	log       *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	repoConc  int
	now       func() time.Time
}

// NewService builds the collection registry. The registry is fixed for the
// lifetime of the service.
func NewService(d Deps) *Service {
	if d.Coalescer == nil {
		d.Coalescer = coalesce.New(d.Log, d.Metrics)
	}
	if d.RepoConcurrency <= 0 {
		d.RepoConcurrency = 50
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Service{
		store:     d.Store,
		resolver:  d.Resolver,
		checkouts: d.Checkouts,
		handles:   cache.New(handleCheckTTL, 2*handleCheckTTL),
		log:       d.Log,
		metrics:   d.Metrics,
		tracer:    otel.Tracer(tracerName),
		repoConc:  d.RepoConcurrency,
		now:       d.Now,
	}
	s.indexers = make(map[string]Indexer)
	for _, idx := range []Indexer{
		NewRecordProcessor(postPlugin(), d.Queue, d.Log),
		NewRecordProcessor(likePlugin(), d.Queue, d.Log),
		NewRecordProcessor(repostPlugin(), d.Queue, d.Log),
		NewRecordProcessor(followPlugin(d.Coalescer), d.Queue, d.Log),
		NewRecordProcessor(blockPlugin(), d.Queue, d.Log),
		NewRecordProcessor(profilePlugin(), d.Queue, d.Log),
	} {
		s.indexers[idx.Collection()] = idx
	}
	return s
}

// Collections lists the collections with a registered processor.
func (s *Service) Collections() []string {
	out := make([]string, 0, len(s.indexers))
	for c := range s.indexers {
		out = append(out, c)
	}
	return out
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "indexing."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IndexRecord applies a create or update. Unknown collections are ignored.
func (s *Service) IndexRecord(ctx context.Context, uri model.URI, cid string, raw []byte, action model.WriteAction, ts time.Time, opts InsertOptions) (err error) {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	if action == model.ActionDelete {
		return s.DeleteRecord(ctx, uri, false)
	}
	idx, ok := s.indexers[uri.Collection]
	if !ok {
		return nil
	}

	ctx, span := s.startSpan(ctx, "IndexRecord", attribute.String("uri", uri.String()), attribute.String("action", string(action)))
	defer func() { endSpan(span, err) }()
	defer s.metrics.ObserveOperation("index_record", time.Now())

	err = s.store.Transaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		if action == model.ActionUpdate {
			return idx.UpdateRecord(ctx, tx, uri, cid, raw, ts, opts)
		}
		return idx.InsertRecord(ctx, tx, uri, cid, raw, ts, opts)
	})
	s.observe(uri.Collection, string(action), err)
	return err
}

// DeleteRecord unindexes uri. cascading skips duplicate promotion.
func (s *Service) DeleteRecord(ctx context.Context, uri model.URI, cascading bool) (err error) {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	idx, ok := s.indexers[uri.Collection]
	if !ok {
		return nil
	}

	ctx, span := s.startSpan(ctx, "DeleteRecord", attribute.String("uri", uri.String()), attribute.Bool("cascading", cascading))
	defer func() { endSpan(span, err) }()
	defer s.metrics.ObserveOperation("delete_record", time.Now())

	err = s.store.Transaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		return idx.DeleteRecord(ctx, tx, uri, cascading)
	})
	s.observe(uri.Collection, string(model.ActionDelete), err)
	return err
}

func (s *Service) observe(collection, action string, err error) {
	switch {
	case err == nil:
		s.metrics.RecordOp(collection, action)
	case errors.Is(err, errs.ErrValidation):
		s.metrics.RecordError(collection, "validation")
	case errors.Is(err, errs.ErrInvariant):
		s.metrics.RecordError(collection, "invariant")
	default:
		s.metrics.RecordError(collection, "other")
	}
}

// SetCommitLastSeen records the latest commit processed for did.
func (s *Service) SetCommitLastSeen(ctx context.Context, did, commitCID, rev string) error {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	return s.store.Transaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.SetCommitLastSeen(ctx, model.ActorSync{DID: did, CommitCID: commitCID, RepoRev: rev})
	})
}

func (s *Service) inTx(ctx context.Context, what string, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := s.store.Transaction(ctx, fn); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
