package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

func graphTable(kind repository.GraphKind) (string, error) {
	switch kind {
	case repository.KindLike:
		return `"like"`, nil
	case repository.KindRepost:
		return `repost`, nil
	case repository.KindFollow:
		return `follow`, nil
	case repository.KindBlock:
		return `actor_block`, nil
	}
	return "", fmt.Errorf("unknown graph kind %q", kind)
}

// InsertSubjected inserts a like, repost, follow or block row. Reposts also get a feed item.
// It returns nil when the uri or the (creator, subject) pair is taken.
func (t *Tx) InsertSubjected(ctx context.Context, kind repository.GraphKind, row model.Subjected) (*model.Subjected, error) {
	table, err := graphTable(kind)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO ` + table + ` (uri, cid, creator, subject, subject_cid, created_at, indexed_at, sort_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT DO NOTHING
RETURNING uri`
	var uri string
	err = t.q.QueryRow(ctx, q,
		row.URI, row.CID, row.Creator, row.Subject, row.SubjectCID,
		row.CreatedAt, row.IndexedAt, row.SortAt(),
	).Scan(&uri)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if kind == repository.KindRepost {
		const qFeed = `
INSERT INTO feed_item (uri, cid, type, post_uri, originator_did, sort_at)
VALUES ($1, $2, 'repost', $3, $4, $5)
ON CONFLICT (uri) DO NOTHING`
		if _, err = t.q.Exec(ctx, qFeed, row.URI, row.CID, row.Subject, row.Creator, row.SortAt()); err != nil {
			return nil, err
		}
	}
	return &row, nil
}

// DeleteSubjected removes a row by uri and returns it, or nil when absent.
func (t *Tx) DeleteSubjected(ctx context.Context, kind repository.GraphKind, uri string) (*model.Subjected, error) {
	table, err := graphTable(kind)
	if err != nil {
		return nil, err
	}
	q := `
DELETE FROM ` + table + ` WHERE uri=$1
RETURNING uri, cid, creator, subject, subject_cid, created_at, indexed_at`
	var row model.Subjected
	err = t.q.QueryRow(ctx, q, uri).Scan(
		&row.URI, &row.CID, &row.Creator, &row.Subject, &row.SubjectCID, &row.CreatedAt, &row.IndexedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if kind == repository.KindRepost {
		if _, err = t.q.Exec(ctx, `DELETE FROM feed_item WHERE uri=$1`, uri); err != nil {
			return nil, err
		}
	}
	return &row, nil
}

// FindSubjected returns the uri already holding (creator, subject), or "".
func (t *Tx) FindSubjected(ctx context.Context, kind repository.GraphKind, creator, subject string) (string, error) {
	table, err := graphTable(kind)
	if err != nil {
		return "", err
	}
	q := `SELECT uri FROM ` + table + ` WHERE creator=$1 AND subject=$2`
	var uri string
	err = t.q.QueryRow(ctx, q, creator, subject).Scan(&uri)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return uri, nil
}
