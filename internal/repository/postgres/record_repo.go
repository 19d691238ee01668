package postgres

import (
	"context"

	"github.com/and161185/skyindex/internal/model"
)

// InsertRecord inserts the generic record; replays of the same uri are no-ops.
func (t *Tx) InsertRecord(ctx context.Context, rec model.Record) error {
	const q = `
INSERT INTO record (uri, cid, did, json, indexed_at, tags)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (uri) DO NOTHING`
	_, err := t.q.Exec(ctx, q, rec.URI, rec.CID, rec.DID, string(rec.JSON), rec.IndexedAt, jsonArray(rec.Tags))
	return err
}

// UpdateRecord replaces the content of an existing record.
func (t *Tx) UpdateRecord(ctx context.Context, rec model.Record) error {
	const q = `UPDATE record SET cid=$2, json=$3, indexed_at=$4 WHERE uri=$1`
	_, err := t.q.Exec(ctx, q, rec.URI, rec.CID, string(rec.JSON), rec.IndexedAt)
	return err
}

// DeleteRecord removes the generic record.
func (t *Tx) DeleteRecord(ctx context.Context, uri string) error {
	const q = `DELETE FROM record WHERE uri=$1`
	_, err := t.q.Exec(ctx, q, uri)
	return err
}

// RecordCIDs returns the currently indexed uri -> cid map of an account.
func (t *Tx) RecordCIDs(ctx context.Context, did string) (map[string]string, error) {
	const q = `SELECT uri, cid FROM record WHERE did=$1`
	rows, err := t.q.Query(ctx, q, did)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var uri, cid string
		if err = rows.Scan(&uri, &cid); err != nil {
			return nil, err
		}
		out[uri] = cid
	}
	return out, rows.Err()
}

// InsertDuplicate records that dup.URI is a semantic duplicate of dup.DuplicateOf.
func (t *Tx) InsertDuplicate(ctx context.Context, dup model.DuplicateRecord) error {
	const q = `
INSERT INTO duplicate_record (uri, cid, duplicate_of, indexed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uri) DO NOTHING`
	_, err := t.q.Exec(ctx, q, dup.URI, dup.CID, dup.DuplicateOf, dup.IndexedAt)
	return err
}

// UpdateDuplicate refreshes an existing duplicate mapping.
func (t *Tx) UpdateDuplicate(ctx context.Context, dup model.DuplicateRecord) error {
	const q = `UPDATE duplicate_record SET cid=$2, duplicate_of=$3, indexed_at=$4 WHERE uri=$1`
	_, err := t.q.Exec(ctx, q, dup.URI, dup.CID, dup.DuplicateOf, dup.IndexedAt)
	return err
}

// DeleteDuplicate removes the mapping whose source is uri.
func (t *Tx) DeleteDuplicate(ctx context.Context, uri string) error {
	const q = `DELETE FROM duplicate_record WHERE uri=$1`
	_, err := t.q.Exec(ctx, q, uri)
	return err
}

// DeleteDuplicatesOf removes every mapping whose target is uri.
func (t *Tx) DeleteDuplicatesOf(ctx context.Context, uri string) error {
	const q = `DELETE FROM duplicate_record WHERE duplicate_of=$1`
	_, err := t.q.Exec(ctx, q, uri)
	return err
}

// RepointDuplicates moves mappings from a removed canonical record to its replacement.
func (t *Tx) RepointDuplicates(ctx context.Context, from, to string) error {
	const q = `UPDATE duplicate_record SET duplicate_of=$2 WHERE duplicate_of=$1`
	_, err := t.q.Exec(ctx, q, from, to)
	return err
}

// OldestDuplicate returns the earliest indexed duplicate of uri that still has a record.
func (t *Tx) OldestDuplicate(ctx context.Context, uri string) (*model.DuplicateCandidate, error) {
	const q = `
SELECT d.uri, r.cid, r.json, r.indexed_at
FROM duplicate_record d
JOIN record r ON r.uri = d.uri
WHERE d.duplicate_of=$1
ORDER BY d.indexed_at ASC
LIMIT 1`
	var (
		c    model.DuplicateCandidate
		body string
	)
	err := t.q.QueryRow(ctx, q, uri).Scan(&c.URI, &c.CID, &body, &c.IndexedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.JSON = []byte(body)
	return &c, nil
}
