package indexing

import (
	"context"
	"time"

	"github.com/and161185/skyindex/internal/lexicon"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

// profileRkey is the only record key under which a profile is indexed.
const profileRkey = "self"

func profilePlugin() Plugin[lexicon.Profile, model.Profile] {
	return Plugin[lexicon.Profile, model.Profile]{
		Schema: lexicon.ProfileSchema,
		Insert: func(ctx context.Context, tx repository.Tx, uri model.URI, cid string, obj lexicon.Profile, ts time.Time) (*model.Profile, error) {
			if uri.Rkey != profileRkey {
				return nil, nil
			}
			return tx.InsertProfile(ctx, model.Profile{
				URI:         uri.String(),
				CID:         cid,
				Creator:     uri.Host,
				DisplayName: obj.DisplayName,
				Description: obj.Description,
				AvatarCID:   obj.Avatar.CID(),
				BannerCID:   obj.Banner.CID(),
				IndexedAt:   ts,
			})
		},
		FindDuplicate: func(context.Context, repository.Tx, model.URI, lexicon.Profile) (string, error) {
			return "", nil
		},
		Delete: func(ctx context.Context, tx repository.Tx, uri model.URI) (*model.Profile, error) {
			return tx.DeleteProfile(ctx, uri.String())
		},
		NotifsForInsert: func(model.Profile) []model.Notification { return nil },
		NotifsForDelete: func(model.Profile, *model.Profile) ([]model.Notification, []string) {
			return nil, nil
		},
	}
}
