package indexing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/skyindex/internal/checkout"
	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

// IndexOp is one step of a repository reconciliation.
type IndexOp struct {
	Action model.WriteAction
	URI    string
	CID    string
}

// FindDiff compares the indexed uri -> cid map with a checkout and returns
// the operations that make the index match it, ordered by uri.
func FindDiff(current, checkout map[string]string) []IndexOp {
	var ops []IndexOp
	for uri, cid := range checkout {
		prev, ok := current[uri]
		switch {
		case !ok:
			ops = append(ops, IndexOp{Action: model.ActionCreate, URI: uri, CID: cid})
		case prev != cid:
			ops = append(ops, IndexOp{Action: model.ActionUpdate, URI: uri, CID: cid})
		}
	}
	for uri, cid := range current {
		if _, ok := checkout[uri]; !ok {
			ops = append(ops, IndexOp{Action: model.ActionDelete, URI: uri, CID: cid})
		}
	}
	slices.SortFunc(ops, func(a, b IndexOp) int { return strings.Compare(a.URI, b.URI) })
	return ops
}

// IndexRepo reconciles the index of did with a freshly fetched checkout.
// Individual record failures are logged and do not fail the pass.
func (s *Service) IndexRepo(ctx context.Context, did, commit string) (err error) {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	pass := uuid.Must(uuid.NewV4()).String()
	log := s.log.With(zap.String("did", did), zap.String("pass", pass))

	ctx, span := s.startSpan(ctx, "IndexRepo", attribute.String("did", did), attribute.String("pass", pass))
	defer func() { endSpan(span, err) }()
	defer s.metrics.ObserveOperation("index_repo", time.Now())

	co, err := s.checkouts.Fetch(ctx, did)
	if err != nil {
		return fmt.Errorf("fetch checkout: %w", err)
	}
	if commit != "" && co.Commit != commit {
		log.Debug("checkout is at a different commit", zap.String("want", commit), zap.String("got", co.Commit))
	}

	var current map[string]string
	err = s.inTx(ctx, "load record cids", func(ctx context.Context, tx repository.Tx) error {
		current, err = tx.RecordCIDs(ctx, did)
		return err
	})
	if err != nil {
		return err
	}

	ops := FindDiff(current, co.CIDs())
	log.Info("reconciling repo", zap.Int("ops", len(ops)), zap.Int("records", len(co.Records)))

	ts := s.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.repoConc)
	for _, op := range ops {
		g.Go(func() error {
			if err := s.applyOp(gctx, co, op, ts); err != nil {
				fields := []zap.Field{zap.String("uri", op.URI), zap.String("action", string(op.Action)), zap.Error(err)}
				if errors.Is(err, errs.ErrValidation) {
					log.Warn("skipping invalid record", fields...)
				} else {
					log.Error("reconcile op failed", fields...)
				}
				return nil
			}
			s.metrics.ReconcileOp(string(op.Action))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return s.inTx(ctx, "record checkout commit", func(ctx context.Context, tx repository.Tx) error {
		return tx.SetCommitLastSeen(ctx, model.ActorSync{DID: did, CommitCID: co.Commit, RepoRev: co.Rev})
	})
}

func (s *Service) applyOp(ctx context.Context, co *checkout.Checkout, op IndexOp, ts time.Time) error {
	uri, err := model.ParseURI(op.URI)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if op.Action == model.ActionDelete {
		return s.DeleteRecord(ctx, uri, false)
	}
	entry := co.Records[op.URI]
	return s.IndexRecord(ctx, uri, op.CID, entry.Record, op.Action, ts, InsertOptions{DisableNotifs: true})
}

// UpdateActorStatus stores the upstream status of did. Active accounts carry no status.
func (s *Service) UpdateActorStatus(ctx context.Context, did string, active bool, status string) error {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	var upstream *string
	if !active {
		switch status {
		case model.StatusDeactivated, model.StatusSuspended, model.StatusTakendown:
			upstream = &status
		default:
			return fmt.Errorf("%w: %q", errs.ErrUnknownStatus, status)
		}
	}
	return s.inTx(ctx, "update actor status", func(ctx context.Context, tx repository.Tx) error {
		return tx.SetUpstreamStatus(ctx, did, upstream)
	})
}

// DeleteActor removes everything indexed for did, but only after its host
// confirms the repository is gone.
func (s *Service) DeleteActor(ctx context.Context, did string) (err error) {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	status, err := s.checkouts.IsHosted(ctx, did)
	if err != nil {
		return fmt.Errorf("check hosting: %w", err)
	}
	if status != checkout.HostingGone {
		s.log.Info("actor still hosted, not deleting", zap.String("did", did))
		return nil
	}

	ctx, span := s.startSpan(ctx, "DeleteActor", attribute.String("did", did))
	defer func() { endSpan(span, err) }()

	var current map[string]string
	err = s.inTx(ctx, "load record cids", func(ctx context.Context, tx repository.Tx) error {
		current, err = tx.RecordCIDs(ctx, did)
		return err
	})
	if err != nil {
		return err
	}
	uris := make([]string, 0, len(current))
	for u := range current {
		uris = append(uris, u)
	}
	slices.Sort(uris)

	var failed error
	for _, raw := range uris {
		uri, err := model.ParseURI(raw)
		if err != nil {
			failed = multierr.Append(failed, err)
			continue
		}
		failed = multierr.Append(failed, s.DeleteRecord(ctx, uri, true))
	}
	if failed != nil {
		return fmt.Errorf("delete records: %w", failed)
	}

	err = s.inTx(ctx, "purge actor", func(ctx context.Context, tx repository.Tx) error {
		return tx.PurgeActor(ctx, did)
	})
	if err != nil {
		return err
	}
	s.handles.Delete(did)
	return nil
}

// ApplyMuteOperation applies a mute change. A subject that is a DID targets an
// actor; anything else is treated as a thread root uri.
func (s *Service) ApplyMuteOperation(ctx context.Context, op model.MuteOperation) error {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	if op.ActorDID == "" {
		return fmt.Errorf("%w: mute operation without actor", errs.ErrValidation)
	}
	if op.Type != model.MuteClear && op.Subject == "" {
		return fmt.Errorf("%w: mute operation without subject", errs.ErrValidation)
	}
	actor := strings.HasPrefix(op.Subject, "did:")

	return s.inTx(ctx, "apply mute", func(ctx context.Context, tx repository.Tx) error {
		switch op.Type {
		case model.MuteAdd:
			if actor {
				return tx.MuteActor(ctx, op.ActorDID, op.Subject)
			}
			return tx.MuteThread(ctx, op.ActorDID, op.Subject)
		case model.MuteRemove:
			if actor {
				return tx.UnmuteActor(ctx, op.ActorDID, op.Subject)
			}
			return tx.UnmuteThread(ctx, op.ActorDID, op.Subject)
		case model.MuteClear:
			return tx.ClearMutes(ctx, op.ActorDID)
		default:
			return fmt.Errorf("%w: mute operation %q", errs.ErrValidation, op.Type)
		}
	})
}
