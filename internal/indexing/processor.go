// Package indexing projects repository record mutations into the relational index.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/background"
	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/lexicon"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

// notifChunk bounds the rows touched by one notification statement.
const notifChunk = 500

// InsertOptions tunes a single insert or update.
type InsertOptions struct {
	DisableNotifs bool
}

// TaskQueue accepts background work.
type TaskQueue interface {
	Add(task background.Task)
}

// Indexer is the collection-independent view of a RecordProcessor.
// Every method must be called inside tx.
type Indexer interface {
	Collection() string
	InsertRecord(ctx context.Context, tx repository.Tx, uri model.URI, cid string, raw []byte, ts time.Time, opts InsertOptions) error
	UpdateRecord(ctx context.Context, tx repository.Tx, uri model.URI, cid string, raw []byte, ts time.Time, opts InsertOptions) error
	DeleteRecord(ctx context.Context, tx repository.Tx, uri model.URI, cascading bool) error
}

// Plugin describes one collection. Insert must have the same effect as
// Insert, Delete, Insert so that updates can be applied as purge-then-replace.
type Plugin[T, S any] struct {
	Schema lexicon.Schema[T]
	// Insert returns nil when a row for uri already exists.
	Insert func(ctx context.Context, tx repository.Tx, uri model.URI, cid string, obj T, ts time.Time) (*S, error)
	// FindDuplicate returns the uri of a semantically equal record, or "".
	FindDuplicate func(ctx context.Context, tx repository.Tx, uri model.URI, obj T) (string, error)
	// Delete returns the removed row or nil.
	Delete           func(ctx context.Context, tx repository.Tx, uri model.URI) (*S, error)
	NotifsForInsert  func(row S) []model.Notification
	NotifsForDelete  func(prev S, replacedBy *S) (notifs []model.Notification, toDelete []string)
	UpdateAggregates func(ctx context.Context, tx repository.Tx, row S) error
}

// RecordProcessor applies record mutations for one collection.
type RecordProcessor[T, S any] struct {
	plugin Plugin[T, S]
	queue  TaskQueue
	log    *zap.Logger
}

// NewRecordProcessor binds plugin to the background queue used for aggregates.
func NewRecordProcessor[T, S any](plugin Plugin[T, S], queue TaskQueue, log *zap.Logger) *RecordProcessor[T, S] {
	return &RecordProcessor[T, S]{
		plugin: plugin,
		queue:  queue,
		log:    log.With(zap.String("collection", plugin.Schema.NSID())),
	}
}

func (p *RecordProcessor[T, S]) Collection() string { return p.plugin.Schema.NSID() }

// InsertRecord validates raw and indexes it. Replays are no-ops; semantic
// duplicates are recorded as such instead of being indexed.
func (p *RecordProcessor[T, S]) InsertRecord(ctx context.Context, tx repository.Tx, uri model.URI, cid string, raw []byte, ts time.Time, opts InsertOptions) error {
	if err := repository.AssertTransaction(ctx); err != nil {
		return err
	}
	obj, err := p.plugin.Schema.Validate(raw)
	if err != nil {
		return err
	}
	return p.insert(ctx, tx, uri, cid, raw, obj, ts, opts)
}

func (p *RecordProcessor[T, S]) insert(ctx context.Context, tx repository.Tx, uri model.URI, cid string, raw []byte, obj T, ts time.Time, opts InsertOptions) error {
	err := tx.InsertRecord(ctx, model.Record{URI: uri.String(), CID: cid, DID: uri.Host, JSON: raw, IndexedAt: ts})
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	inserted, err := p.plugin.Insert(ctx, tx, uri, cid, obj, ts)
	if err != nil {
		return fmt.Errorf("insert %s: %w", uri, err)
	}
	if inserted != nil {
		p.aggregateOnCommit(tx, *inserted)
		if opts.DisableNotifs {
			return nil
		}
		return p.handleNotifs(ctx, tx, nil, inserted)
	}

	found, err := p.plugin.FindDuplicate(ctx, tx, uri, obj)
	if err != nil {
		return fmt.Errorf("find duplicate: %w", err)
	}
	if found == "" || found == uri.String() {
		return nil
	}
	return tx.InsertDuplicate(ctx, model.DuplicateRecord{URI: uri.String(), CID: cid, DuplicateOf: found, IndexedAt: ts})
}

// UpdateRecord replaces the indexed state of uri with raw.
func (p *RecordProcessor[T, S]) UpdateRecord(ctx context.Context, tx repository.Tx, uri model.URI, cid string, raw []byte, ts time.Time, opts InsertOptions) error {
	if err := repository.AssertTransaction(ctx); err != nil {
		return err
	}
	obj, err := p.plugin.Schema.Validate(raw)
	if err != nil {
		return err
	}

	if err = tx.UpdateRecord(ctx, model.Record{URI: uri.String(), CID: cid, DID: uri.Host, JSON: raw, IndexedAt: ts}); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	dupOf, err := p.plugin.FindDuplicate(ctx, tx, uri, obj)
	if err != nil {
		return fmt.Errorf("find duplicate: %w", err)
	}
	if dupOf != "" && dupOf != uri.String() {
		err = tx.UpdateDuplicate(ctx, model.DuplicateRecord{URI: uri.String(), CID: cid, DuplicateOf: dupOf, IndexedAt: ts})
	} else {
		err = tx.DeleteDuplicate(ctx, uri.String())
	}
	if err != nil {
		return fmt.Errorf("refresh duplicate: %w", err)
	}

	deleted, err := p.plugin.Delete(ctx, tx, uri)
	if err != nil {
		return fmt.Errorf("delete %s: %w", uri, err)
	}
	if deleted == nil {
		// known generically but never indexed
		return p.insert(ctx, tx, uri, cid, raw, obj, ts, opts)
	}
	p.aggregateOnCommit(tx, *deleted)

	inserted, err := p.plugin.Insert(ctx, tx, uri, cid, obj, ts)
	if err != nil {
		return fmt.Errorf("insert %s: %w", uri, err)
	}
	if inserted == nil {
		return fmt.Errorf("%w: %s removed from index but could not be replaced", errs.ErrInvariant, uri)
	}
	p.aggregateOnCommit(tx, *inserted)
	if opts.DisableNotifs {
		return nil
	}
	return p.handleNotifs(ctx, tx, deleted, inserted)
}

// DeleteRecord unindexes uri. Unless cascading, the oldest valid duplicate
// takes its place.
func (p *RecordProcessor[T, S]) DeleteRecord(ctx context.Context, tx repository.Tx, uri model.URI, cascading bool) error {
	if err := repository.AssertTransaction(ctx); err != nil {
		return err
	}
	key := uri.String()
	if err := tx.DeleteRecord(ctx, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if err := tx.DeleteDuplicate(ctx, key); err != nil {
		return fmt.Errorf("delete duplicate: %w", err)
	}
	deleted, err := p.plugin.Delete(ctx, tx, uri)
	if err != nil {
		return fmt.Errorf("delete %s: %w", uri, err)
	}
	if deleted == nil {
		return nil
	}
	p.aggregateOnCommit(tx, *deleted)

	if cascading {
		if err = tx.DeleteDuplicatesOf(ctx, key); err != nil {
			return fmt.Errorf("delete duplicates: %w", err)
		}
		return p.handleNotifs(ctx, tx, deleted, nil)
	}

	inserted, err := p.promote(ctx, tx, key)
	if err != nil {
		return err
	}
	return p.handleNotifs(ctx, tx, deleted, inserted)
}

// promote indexes the oldest still-valid duplicate of a removed canonical record.
// Duplicates that no longer validate lose their mapping and are skipped.
func (p *RecordProcessor[T, S]) promote(ctx context.Context, tx repository.Tx, canonical string) (*S, error) {
	for {
		found, err := tx.OldestDuplicate(ctx, canonical)
		if err != nil {
			return nil, fmt.Errorf("oldest duplicate: %w", err)
		}
		if found == nil {
			return nil, nil
		}
		if err = tx.DeleteDuplicate(ctx, found.URI); err != nil {
			return nil, fmt.Errorf("delete duplicate: %w", err)
		}

		obj, err := p.plugin.Schema.Validate(found.JSON)
		if errors.Is(err, errs.ErrValidation) {
			p.log.Warn("duplicate no longer valid, not promoted",
				zap.String("uri", found.URI), zap.String("duplicate_of", canonical), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		dupURI, err := model.ParseURI(found.URI)
		if err != nil {
			return nil, err
		}

		inserted, err := p.plugin.Insert(ctx, tx, dupURI, found.CID, obj, found.IndexedAt)
		if err != nil {
			return nil, fmt.Errorf("promote %s: %w", found.URI, err)
		}
		if inserted == nil {
			continue
		}
		if err = tx.RepointDuplicates(ctx, canonical, found.URI); err != nil {
			return nil, fmt.Errorf("repoint duplicates: %w", err)
		}
		p.aggregateOnCommit(tx, *inserted)
		return inserted, nil
	}
}

// handleNotifs persists the notification delta of a row transition. Deletions
// always run before insertions.
func (p *RecordProcessor[T, S]) handleNotifs(ctx context.Context, tx repository.Tx, deleted, inserted *S) error {
	var (
		notifs   []model.Notification
		toDelete []string
	)
	switch {
	case deleted != nil:
		notifs, toDelete = p.plugin.NotifsForDelete(*deleted, inserted)
	case inserted != nil:
		notifs = p.plugin.NotifsForInsert(*inserted)
	}

	for chunk := range slices.Chunk(toDelete, notifChunk) {
		if err := tx.DeleteNotificationsByRecord(ctx, chunk); err != nil {
			return fmt.Errorf("delete notifications: %w", err)
		}
	}
	for chunk := range slices.Chunk(notifs, notifChunk) {
		kept, err := filterNotifs(ctx, tx, chunk)
		if err != nil {
			return err
		}
		if err = tx.InsertNotifications(ctx, kept); err != nil {
			return fmt.Errorf("insert notifications: %w", err)
		}
	}
	return nil
}

// filterNotifs drops self notifications and those hidden by blocks, mutes or thread mutes.
func filterNotifs(ctx context.Context, tx repository.Tx, notifs []model.Notification) ([]model.Notification, error) {
	kept := make([]model.Notification, 0, len(notifs))
	for _, n := range notifs {
		if n.DID == n.Author {
			continue
		}
		hidden, err := tx.BlockedOrMuted(ctx, n.DID, n.Author)
		if err != nil {
			return nil, fmt.Errorf("check blocks: %w", err)
		}
		if hidden {
			continue
		}
		if n.ReasonSubject != "" && !strings.HasPrefix(n.ReasonSubject, "did:") {
			muted, err := tx.ThreadMuted(ctx, n.DID, n.ReasonSubject)
			if err != nil {
				return nil, fmt.Errorf("check thread mute: %w", err)
			}
			if muted {
				continue
			}
		}
		kept = append(kept, n)
	}
	return kept, nil
}

// aggregateOnCommit schedules the aggregate recount of row once tx commits.
func (p *RecordProcessor[T, S]) aggregateOnCommit(tx repository.Tx, row S) {
	update := p.plugin.UpdateAggregates
	if update == nil {
		return
	}
	tx.OnCommit(func() {
		p.queue.Add(func(ctx context.Context, store repository.Store) error {
			return store.Transaction(ctx, func(ctx context.Context, tx repository.Tx) error {
				return update(ctx, tx, row)
			})
		})
	})
}
