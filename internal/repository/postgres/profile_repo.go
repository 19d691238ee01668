package postgres

import (
	"context"

	"github.com/and161185/skyindex/internal/model"
)

// InsertProfile inserts the profile row; it returns nil when the uri is taken.
func (t *Tx) InsertProfile(ctx context.Context, p model.Profile) (*model.Profile, error) {
	const q = `
INSERT INTO profile (uri, cid, creator, display_name, description, avatar_cid, banner_cid, indexed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (uri) DO NOTHING
RETURNING uri`
	var uri string
	err := t.q.QueryRow(ctx, q,
		p.URI, p.CID, p.Creator,
		nullString(p.DisplayName), nullString(p.Description), nullString(p.AvatarCID), nullString(p.BannerCID),
		p.IndexedAt,
	).Scan(&uri)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProfile removes the profile row and returns it, or nil when absent.
func (t *Tx) DeleteProfile(ctx context.Context, uri string) (*model.Profile, error) {
	const q = `
DELETE FROM profile WHERE uri=$1
RETURNING uri, cid, creator, display_name, description, avatar_cid, banner_cid, indexed_at`
	var (
		p                          model.Profile
		name, desc, avatar, banner *string
	)
	err := t.q.QueryRow(ctx, q, uri).Scan(&p.URI, &p.CID, &p.Creator, &name, &desc, &avatar, &banner, &p.IndexedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.DisplayName, p.Description = deref(name), deref(desc)
	p.AvatarCID, p.BannerCID = deref(avatar), deref(banner)
	return &p, nil
}
