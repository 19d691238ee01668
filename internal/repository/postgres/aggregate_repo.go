package postgres

import "context"

// Counters are recomputed from the projection tables, never incremented,
// so replays and concurrent writers converge on the same value.

func (t *Tx) RecountLikes(ctx context.Context, subject string) error {
	const q = `
INSERT INTO post_agg (uri, like_count)
VALUES ($1, (SELECT count(*) FROM "like" WHERE subject=$1))
ON CONFLICT (uri) DO UPDATE SET like_count=EXCLUDED.like_count`
	_, err := t.q.Exec(ctx, q, subject)
	return err
}

func (t *Tx) RecountReposts(ctx context.Context, subject string) error {
	const q = `
INSERT INTO post_agg (uri, repost_count)
VALUES ($1, (SELECT count(*) FROM repost WHERE subject=$1))
ON CONFLICT (uri) DO UPDATE SET repost_count=EXCLUDED.repost_count`
	_, err := t.q.Exec(ctx, q, subject)
	return err
}

// RecountReplies counts direct replies to parent that do not violate a thread gate.
func (t *Tx) RecountReplies(ctx context.Context, parent string) error {
	const q = `
INSERT INTO post_agg (uri, reply_count)
VALUES ($1, (
  SELECT count(*) FROM post
  WHERE reply_parent=$1 AND COALESCE(violates_thread_gate, false) = false
))
ON CONFLICT (uri) DO UPDATE SET reply_count=EXCLUDED.reply_count`
	_, err := t.q.Exec(ctx, q, parent)
	return err
}

func (t *Tx) RecountPosts(ctx context.Context, did string) error {
	const q = `
INSERT INTO profile_agg (did, posts_count)
VALUES ($1, (SELECT count(*) FROM post WHERE creator=$1))
ON CONFLICT (did) DO UPDATE SET posts_count=EXCLUDED.posts_count`
	_, err := t.q.Exec(ctx, q, did)
	return err
}

func (t *Tx) RecountFollowers(ctx context.Context, did string) error {
	const q = `
INSERT INTO profile_agg (did, followers_count)
VALUES ($1, (SELECT count(*) FROM follow WHERE subject=$1))
ON CONFLICT (did) DO UPDATE SET followers_count=EXCLUDED.followers_count`
	_, err := t.q.Exec(ctx, q, did)
	return err
}

func (t *Tx) RecountFollows(ctx context.Context, did string) error {
	const q = `
INSERT INTO profile_agg (did, follows_count)
VALUES ($1, (SELECT count(*) FROM follow WHERE creator=$1))
ON CONFLICT (did) DO UPDATE SET follows_count=EXCLUDED.follows_count`
	_, err := t.q.Exec(ctx, q, did)
	return err
}
