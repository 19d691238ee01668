package postgres

import (
	"context"
	"time"

	"github.com/and161185/skyindex/internal/model"
)

// InsertNotifications inserts a batch of notification rows in one statement.
func (t *Tx) InsertNotifications(ctx context.Context, notifs []model.Notification) error {
	if len(notifs) == 0 {
		return nil
	}
	const q = `
INSERT INTO notification (did, record_uri, record_cid, author, reason, reason_subject, sort_at)
SELECT did, record_uri, record_cid, author, reason, NULLIF(reason_subject, ''), sort_at
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::timestamptz[])
  AS n(did, record_uri, record_cid, author, reason, reason_subject, sort_at)`

	var (
		dids     = make([]string, len(notifs))
		uris     = make([]string, len(notifs))
		cids     = make([]string, len(notifs))
		authors  = make([]string, len(notifs))
		reasons  = make([]string, len(notifs))
		subjects = make([]string, len(notifs))
		sortAt   = make([]time.Time, len(notifs))
	)
	for i, n := range notifs {
		dids[i], uris[i], cids[i] = n.DID, n.RecordURI, n.RecordCID
		authors[i], reasons[i], subjects[i] = n.Author, n.Reason, n.ReasonSubject
		sortAt[i] = n.SortAt
	}
	_, err := t.q.Exec(ctx, q, dids, uris, cids, authors, reasons, subjects, sortAt)
	return err
}

// DeleteNotificationsByRecord removes notifications generated by any of the records.
func (t *Tx) DeleteNotificationsByRecord(ctx context.Context, recordURIs []string) error {
	if len(recordURIs) == 0 {
		return nil
	}
	const q = `DELETE FROM notification WHERE record_uri = ANY($1)`
	_, err := t.q.Exec(ctx, q, recordURIs)
	return err
}

// ThreadMuted reports whether recipient muted the thread root of postURI.
// Unknown posts count as their own root.
func (t *Tx) ThreadMuted(ctx context.Context, recipient, postURI string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM thread_mute m
  WHERE m.muted_by_did = $1
    AND m.root_uri = COALESCE((SELECT p.reply_root FROM post p WHERE p.uri = $2), $2)
)`
	var muted bool
	if err := t.q.QueryRow(ctx, q, recipient, postURI).Scan(&muted); err != nil {
		return false, err
	}
	return muted, nil
}

// BlockedOrMuted reports a block in either direction or a mute of author by recipient.
func (t *Tx) BlockedOrMuted(ctx context.Context, recipient, author string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM actor_block
  WHERE (creator = $1 AND subject = $2) OR (creator = $2 AND subject = $1)
) OR EXISTS (
  SELECT 1 FROM actor_mute WHERE muted_by_did = $1 AND subject_did = $2
)`
	var hidden bool
	if err := t.q.QueryRow(ctx, q, recipient, author).Scan(&hidden); err != nil {
		return false, err
	}
	return hidden, nil
}
