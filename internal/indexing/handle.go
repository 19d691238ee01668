package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

const (
	handleReindexInterval        = 24 * time.Hour
	missingHandleReindexInterval = time.Hour
	// handleCheckTTL bounds how long an actor snapshot replaces the store lookup.
	handleCheckTTL = missingHandleReindexInterval
)

// needsHandleReindex applies the staleness policy at ts.
func needsHandleReindex(actor *model.Actor, ts time.Time) bool {
	if actor == nil {
		return true
	}
	elapsed := ts.Sub(actor.IndexedAt)
	if elapsed > handleReindexInterval {
		return true
	}
	return actor.Handle == nil && elapsed > missingHandleReindexInterval
}

// IndexHandle re-resolves the handle of did when stale or forced. A handle is
// kept only if it resolves back to did; a previous holder of it is cleared first.
func (s *Service) IndexHandle(ctx context.Context, did string, ts time.Time, force bool) (err error) {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	if !force {
		actor, err := s.loadActor(ctx, did)
		if err != nil {
			return err
		}
		if !needsHandleReindex(actor, ts) {
			return nil
		}
	}

	ctx, span := s.startSpan(ctx, "IndexHandle", attribute.String("did", did))
	defer func() { endSpan(span, err) }()
	defer s.metrics.ObserveOperation("index_handle", time.Now())

	doc, err := s.resolver.ResolveDID(ctx, did, true)
	if err != nil {
		return fmt.Errorf("resolve did: %w", err)
	}
	var handle *string
	if claimed := doc.Handle(); claimed != "" {
		resolved, err := s.resolver.ResolveHandle(ctx, claimed)
		if err != nil {
			return fmt.Errorf("resolve handle: %w", err)
		}
		if resolved == did {
			handle = &claimed
		} else {
			s.log.Debug("handle does not resolve back", zap.String("did", did), zap.String("handle", claimed))
		}
	}

	err = s.inTx(ctx, "index handle", func(ctx context.Context, tx repository.Tx) error {
		if handle != nil {
			holder, err := tx.GetActorByHandle(ctx, *handle)
			switch {
			case errors.Is(err, errs.ErrNotFound):
			case err != nil:
				return err
			case holder.DID != did:
				if err := tx.ClearActorHandle(ctx, holder.DID); err != nil {
					return err
				}
				prev := holder.DID
				tx.OnCommit(func() { s.handles.Delete(prev) })
			}
		}
		return tx.UpsertActor(ctx, did, handle, ts)
	})
	if err != nil {
		return err
	}
	s.handles.Set(did, model.Actor{DID: did, Handle: handle, IndexedAt: ts}, cache.DefaultExpiration)
	return nil
}

// loadActor returns the cached snapshot of did when present, the stored row otherwise.
func (s *Service) loadActor(ctx context.Context, did string) (*model.Actor, error) {
	if v, ok := s.handles.Get(did); ok {
		a := v.(model.Actor)
		return &a, nil
	}
	var actor *model.Actor
	err := s.inTx(ctx, "load actor", func(ctx context.Context, tx repository.Tx) error {
		a, err := tx.GetActor(ctx, did)
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		actor = a
		return err
	})
	if err != nil {
		return nil, err
	}
	if actor != nil {
		s.handles.Set(did, *actor, cache.DefaultExpiration)
	}
	return actor, nil
}
