// Package repository declares the storage contracts used by the indexer.
// Implementations live in subpackages (postgres); tests use in-memory fakes.
package repository

import (
	"context"
	"time"

	"github.com/and161185/skyindex/internal/model"
)

// Store opens indexing transactions. A transaction wraps exactly one logical
// operation; hooks registered with Tx.OnCommit run only after a successful commit.
type Store interface {
	// Transaction runs fn inside a new transaction. It fails with
	// errs.ErrNestedTransaction when ctx already carries one.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the full set of operations available inside an indexing transaction.
type Tx interface {
	RecordTx
	NotificationTx
	ActorTx
	PostTx
	GraphTx
	ProfileTx
	AggregateTx
	AdvisoryLocker

	// OnCommit registers fn to run after the transaction commits. It is
	// discarded on rollback.
	OnCommit(fn func())
}

// RecordTx manages generic records and duplicate mappings.
type RecordTx interface {
	// InsertRecord inserts the record, doing nothing if the uri already exists.
	InsertRecord(ctx context.Context, rec model.Record) error
	// UpdateRecord replaces cid, json and indexed_at of an existing record.
	UpdateRecord(ctx context.Context, rec model.Record) error
	DeleteRecord(ctx context.Context, uri string) error
	// RecordCIDs returns uri -> cid for every record owned by did.
	RecordCIDs(ctx context.Context, did string) (map[string]string, error)

	// InsertDuplicate inserts the mapping, doing nothing on conflict.
	InsertDuplicate(ctx context.Context, dup model.DuplicateRecord) error
	UpdateDuplicate(ctx context.Context, dup model.DuplicateRecord) error
	DeleteDuplicate(ctx context.Context, uri string) error
	// DeleteDuplicatesOf removes every mapping pointing at uri.
	DeleteDuplicatesOf(ctx context.Context, uri string) error
	// RepointDuplicates moves every mapping pointing at from to point at to.
	RepointDuplicates(ctx context.Context, from, to string) error
	// OldestDuplicate returns the earliest indexed live duplicate of uri, or nil.
	OldestDuplicate(ctx context.Context, uri string) (*model.DuplicateCandidate, error)
}

// NotificationTx persists the notification feed and evaluates suppression rules.
type NotificationTx interface {
	InsertNotifications(ctx context.Context, notifs []model.Notification) error
	DeleteNotificationsByRecord(ctx context.Context, recordURIs []string) error
	// ThreadMuted reports whether recipient muted the thread containing postURI.
	ThreadMuted(ctx context.Context, recipient, postURI string) (bool, error)
	// BlockedOrMuted reports whether recipient and author block each other in
	// either direction, or recipient mutes author.
	BlockedOrMuted(ctx context.Context, recipient, author string) (bool, error)
}

// ActorTx manages cached actor identity, sync state and mutes.
type ActorTx interface {
	// GetActor returns errs.ErrNotFound for unknown actors.
	GetActor(ctx context.Context, did string) (*model.Actor, error)
	// GetActorByHandle returns errs.ErrNotFound when nobody holds handle.
	GetActorByHandle(ctx context.Context, handle string) (*model.Actor, error)
	ClearActorHandle(ctx context.Context, did string) error
	UpsertActor(ctx context.Context, did string, handle *string, indexedAt time.Time) error
	SetUpstreamStatus(ctx context.Context, did string, status *string) error
	SetCommitLastSeen(ctx context.Context, sync model.ActorSync) error
	// PurgeActor removes the actor, its sync state, remaining duplicate mappings
	// owned by it, its records and notifications where it is recipient or author.
	PurgeActor(ctx context.Context, did string) error

	MuteActor(ctx context.Context, mutedBy, subject string) error
	UnmuteActor(ctx context.Context, mutedBy, subject string) error
	MuteThread(ctx context.Context, mutedBy, rootURI string) error
	UnmuteThread(ctx context.Context, mutedBy, rootURI string) error
	ClearMutes(ctx context.Context, mutedBy string) error
}

// PostTx manages the post projection.
type PostTx interface {
	// InsertPost returns nil when a post with the same uri already exists.
	InsertPost(ctx context.Context, post model.Post) (*model.Post, error)
	// DeletePost returns the removed row or nil.
	DeletePost(ctx context.Context, uri string) (*model.Post, error)
	// ReplyRootOf returns the thread root a post replies to ("" for a root post).
	// ok is false when the post is not indexed.
	ReplyRootOf(ctx context.Context, uri string) (root string, ok bool, err error)
	// PostAncestors walks reply parents starting at uri (height 0) up to maxHeight.
	PostAncestors(ctx context.Context, uri string, maxHeight int) ([]model.PostAncestor, error)
}

// GraphKind names a subject-referencing projection table.
type GraphKind string

const (
	KindLike   GraphKind = "like"
	KindRepost GraphKind = "repost"
	KindFollow GraphKind = "follow"
	KindBlock  GraphKind = "actor_block"
)

// GraphTx manages likes, reposts, follows and blocks, which share one shape.
type GraphTx interface {
	// InsertSubjected returns nil when a row with the same uri already exists.
	InsertSubjected(ctx context.Context, kind GraphKind, row model.Subjected) (*model.Subjected, error)
	DeleteSubjected(ctx context.Context, kind GraphKind, uri string) (*model.Subjected, error)
	// FindSubjected returns the uri of a row with the same creator and subject, or "".
	FindSubjected(ctx context.Context, kind GraphKind, creator, subject string) (string, error)
}

// ProfileTx manages the profile projection.
type ProfileTx interface {
	InsertProfile(ctx context.Context, p model.Profile) (*model.Profile, error)
	DeleteProfile(ctx context.Context, uri string) (*model.Profile, error)
}

// AggregateTx recomputes denormalized counters from the projection tables.
type AggregateTx interface {
	RecountLikes(ctx context.Context, subject string) error
	RecountReposts(ctx context.Context, subject string) error
	RecountReplies(ctx context.Context, parent string) error
	RecountPosts(ctx context.Context, did string) error
	RecountFollowers(ctx context.Context, did string) error
	RecountFollows(ctx context.Context, did string) error
}

// AdvisoryLocker exposes transaction-scoped advisory locks.
type AdvisoryLocker interface {
	// TryAdvisoryXactLock acquires the lock without blocking.
	TryAdvisoryXactLock(ctx context.Context, id int64) (bool, error)
	// AdvisoryXactLock blocks until the lock is acquired.
	AdvisoryXactLock(ctx context.Context, id int64) error
}

// CursorRepository persists the subscription cursor so consumption can resume.
type CursorRepository interface {
	// GetCursor returns 0 when no cursor was saved for service.
	GetCursor(ctx context.Context, service string) (int64, error)
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}
