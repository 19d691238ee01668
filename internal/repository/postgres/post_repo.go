package postgres

import (
	"context"

	"github.com/and161185/skyindex/internal/model"
)

// InsertPost inserts the post and its feed item. It returns nil if the uri is taken.
func (t *Tx) InsertPost(ctx context.Context, p model.Post) (*model.Post, error) {
	const q = `
INSERT INTO post (
  uri, cid, creator, text, reply_root, reply_root_cid, reply_parent, reply_parent_cid,
  langs, tags, created_at, indexed_at, sort_at, invalid_reply_root, violates_thread_gate
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (uri) DO NOTHING
RETURNING uri`
	var uri string
	err := t.q.QueryRow(ctx, q,
		p.URI, p.CID, p.Creator, p.Text,
		nullString(p.ReplyRoot), nullString(p.ReplyRootCID), nullString(p.ReplyParent), nullString(p.ReplyParentCID),
		jsonArray(p.Langs), jsonArray(p.Tags), p.CreatedAt, p.IndexedAt, p.SortAt(),
		p.InvalidReplyRoot, p.ViolatesThreadGate,
	).Scan(&uri)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	const qFeed = `
INSERT INTO feed_item (uri, cid, type, post_uri, originator_did, sort_at)
VALUES ($1, $2, 'post', $1, $3, $4)
ON CONFLICT (uri) DO NOTHING`
	if _, err = t.q.Exec(ctx, qFeed, p.URI, p.CID, p.Creator, p.SortAt()); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePost removes the post and every feed item pointing at it.
func (t *Tx) DeletePost(ctx context.Context, uri string) (*model.Post, error) {
	const q = `
DELETE FROM post WHERE uri=$1
RETURNING uri, cid, creator, text, reply_root, reply_root_cid, reply_parent, reply_parent_cid,
  created_at, indexed_at`
	var (
		p                                model.Post
		root, rootCID, parent, parentCID *string
	)
	err := t.q.QueryRow(ctx, q, uri).Scan(
		&p.URI, &p.CID, &p.Creator, &p.Text, &root, &rootCID, &parent, &parentCID,
		&p.CreatedAt, &p.IndexedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ReplyRoot, p.ReplyRootCID = deref(root), deref(rootCID)
	p.ReplyParent, p.ReplyParentCID = deref(parent), deref(parentCID)

	if _, err = t.q.Exec(ctx, `DELETE FROM feed_item WHERE post_uri=$1`, uri); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReplyRootOf reports the reply root of an indexed post.
func (t *Tx) ReplyRootOf(ctx context.Context, uri string) (string, bool, error) {
	const q = `SELECT reply_root FROM post WHERE uri=$1`
	var root *string
	err := t.q.QueryRow(ctx, q, uri).Scan(&root)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return deref(root), true, nil
}

// PostAncestors returns uri at height 0 followed by its reply parents up to maxHeight.
// Parents that are not indexed still appear, but end the walk.
func (t *Tx) PostAncestors(ctx context.Context, uri string, maxHeight int) ([]model.PostAncestor, error) {
	const q = `
WITH RECURSIVE ancestor(uri, height) AS (
  SELECT $1::text, 0
  UNION ALL
  SELECT p.reply_parent, a.height + 1
  FROM ancestor a
  JOIN post p ON p.uri = a.uri
  WHERE p.reply_parent IS NOT NULL AND a.height < $2
)
SELECT uri, height FROM ancestor ORDER BY height`
	rows, err := t.q.Query(ctx, q, uri, maxHeight)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PostAncestor
	for rows.Next() {
		var a model.PostAncestor
		if err = rows.Scan(&a.URI, &a.Height); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
