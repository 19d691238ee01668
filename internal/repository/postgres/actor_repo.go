package postgres

import (
	"context"
	"time"

	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/model"
)

// GetActor loads cached identity state; absent actors map to errs.ErrNotFound.
func (t *Tx) GetActor(ctx context.Context, did string) (*model.Actor, error) {
	const q = `SELECT did, handle, indexed_at, upstream_status FROM actor WHERE did=$1`
	return t.scanActor(ctx, q, did)
}

// GetActorByHandle finds the current holder of handle.
func (t *Tx) GetActorByHandle(ctx context.Context, handle string) (*model.Actor, error) {
	const q = `SELECT did, handle, indexed_at, upstream_status FROM actor WHERE handle=$1`
	return t.scanActor(ctx, q, handle)
}

func (t *Tx) scanActor(ctx context.Context, q string, arg string) (*model.Actor, error) {
	var a model.Actor
	err := t.q.QueryRow(ctx, q, arg).Scan(&a.DID, &a.Handle, &a.IndexedAt, &a.UpstreamStatus)
	if isNoRows(err) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ClearActorHandle drops the handle held by did.
func (t *Tx) ClearActorHandle(ctx context.Context, did string) error {
	const q = `UPDATE actor SET handle=NULL WHERE did=$1`
	_, err := t.q.Exec(ctx, q, did)
	return err
}

// UpsertActor stores the resolved handle and refreshes indexed_at.
func (t *Tx) UpsertActor(ctx context.Context, did string, handle *string, indexedAt time.Time) error {
	const q = `
INSERT INTO actor (did, handle, indexed_at)
VALUES ($1, $2, $3)
ON CONFLICT (did) DO UPDATE SET handle=EXCLUDED.handle, indexed_at=EXCLUDED.indexed_at`
	_, err := t.q.Exec(ctx, q, did, handle, indexedAt)
	return err
}

// SetUpstreamStatus records the upstream status; nil means active.
func (t *Tx) SetUpstreamStatus(ctx context.Context, did string, status *string) error {
	const q = `UPDATE actor SET upstream_status=$2 WHERE did=$1`
	_, err := t.q.Exec(ctx, q, did, status)
	return err
}

// SetCommitLastSeen upserts the last-seen commit of an account.
func (t *Tx) SetCommitLastSeen(ctx context.Context, s model.ActorSync) error {
	const q = `
INSERT INTO actor_sync (did, commit_cid, repo_rev)
VALUES ($1, $2, $3)
ON CONFLICT (did) DO UPDATE SET commit_cid=EXCLUDED.commit_cid, repo_rev=EXCLUDED.repo_rev`
	_, err := t.q.Exec(ctx, q, s.DID, s.CommitCID, nullString(s.RepoRev))
	return err
}

// PurgeActor removes everything still attributed to did after its records were unindexed.
func (t *Tx) PurgeActor(ctx context.Context, did string) error {
	pattern := uriPrefixPattern(did)
	stmts := []struct {
		q   string
		arg string
	}{
		{`DELETE FROM duplicate_record WHERE uri LIKE $1 OR duplicate_of LIKE $1`, pattern},
		{`DELETE FROM feed_item WHERE originator_did=$1`, did},
		{`DELETE FROM post WHERE creator=$1`, did},
		{`DELETE FROM "like" WHERE creator=$1`, did},
		{`DELETE FROM repost WHERE creator=$1`, did},
		{`DELETE FROM follow WHERE creator=$1`, did},
		{`DELETE FROM actor_block WHERE creator=$1`, did},
		{`DELETE FROM profile WHERE creator=$1`, did},
		{`DELETE FROM record WHERE did=$1`, did},
		{`DELETE FROM notification WHERE did=$1 OR author=$1`, did},
		{`DELETE FROM profile_agg WHERE did=$1`, did},
		{`DELETE FROM actor_mute WHERE muted_by_did=$1`, did},
		{`DELETE FROM thread_mute WHERE muted_by_did=$1`, did},
		{`DELETE FROM actor_sync WHERE did=$1`, did},
		{`DELETE FROM actor WHERE did=$1`, did},
	}
	for _, s := range stmts {
		if _, err := t.q.Exec(ctx, s.q, s.arg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) MuteActor(ctx context.Context, mutedBy, subject string) error {
	const q = `INSERT INTO actor_mute (muted_by_did, subject_did) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := t.q.Exec(ctx, q, mutedBy, subject)
	return err
}

func (t *Tx) UnmuteActor(ctx context.Context, mutedBy, subject string) error {
	const q = `DELETE FROM actor_mute WHERE muted_by_did=$1 AND subject_did=$2`
	_, err := t.q.Exec(ctx, q, mutedBy, subject)
	return err
}

func (t *Tx) MuteThread(ctx context.Context, mutedBy, rootURI string) error {
	const q = `INSERT INTO thread_mute (muted_by_did, root_uri) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := t.q.Exec(ctx, q, mutedBy, rootURI)
	return err
}

func (t *Tx) UnmuteThread(ctx context.Context, mutedBy, rootURI string) error {
	const q = `DELETE FROM thread_mute WHERE muted_by_did=$1 AND root_uri=$2`
	_, err := t.q.Exec(ctx, q, mutedBy, rootURI)
	return err
}

// ClearMutes drops every actor and thread mute held by mutedBy.
func (t *Tx) ClearMutes(ctx context.Context, mutedBy string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM actor_mute WHERE muted_by_did=$1`, mutedBy); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx, `DELETE FROM thread_mute WHERE muted_by_did=$1`, mutedBy)
	return err
}
