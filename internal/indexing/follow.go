package indexing

import (
	"context"

	"github.com/and161185/skyindex/internal/coalesce"
	"github.com/and161185/skyindex/internal/lexicon"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

// followPlugin recounts follower and follow totals through the coalescer:
// popular accounts receive bursts of follows during backfill.
func followPlugin(c *coalesce.Coalescer) Plugin[lexicon.Follow, model.Follow] {
	return graphPlugin[lexicon.Follow]{
		schema:  lexicon.FollowSchema,
		kind:    repository.KindFollow,
		subject: func(f lexicon.Follow) (string, string) { return f.Subject, "" },
		reason:  model.ReasonFollow,
		aggregates: func(ctx context.Context, tx repository.Tx, row model.Subjected) error {
			_, err := c.Run(ctx, tx, "followers:"+row.Subject, func(ctx context.Context) error {
				return tx.RecountFollowers(ctx, row.Subject)
			})
			if err != nil {
				return err
			}
			_, err = c.Run(ctx, tx, "follows:"+row.Creator, func(ctx context.Context) error {
				return tx.RecountFollows(ctx, row.Creator)
			})
			return err
		},
	}.build()
}
