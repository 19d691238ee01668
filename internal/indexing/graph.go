package indexing

import (
	"context"
	"time"

	"github.com/and161185/skyindex/internal/lexicon"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

// subjectedRecord is a record that points at one subject and has a creation time.
type subjectedRecord interface {
	Created() time.Time
}

// graphPlugin describes likes, reposts, follows and blocks: one row per
// (creator, subject), later equal records become duplicates.
type graphPlugin[T subjectedRecord] struct {
	schema lexicon.Schema[T]
	kind   repository.GraphKind
	// subject returns the referenced uri or DID and, for records, its cid.
	subject func(T) (string, string)
	// reason is empty for collections that never notify.
	reason string
	// notifySubject sets reasonSubject to the subject uri.
	notifySubject bool
	aggregates    func(ctx context.Context, tx repository.Tx, row model.Subjected) error
}

func (g graphPlugin[T]) build() Plugin[T, model.Subjected] {
	return Plugin[T, model.Subjected]{
		Schema: g.schema,
		Insert: func(ctx context.Context, tx repository.Tx, uri model.URI, cid string, obj T, ts time.Time) (*model.Subjected, error) {
			subject, subjectCID := g.subject(obj)
			return tx.InsertSubjected(ctx, g.kind, model.Subjected{
				URI:        uri.String(),
				CID:        cid,
				Creator:    uri.Host,
				Subject:    subject,
				SubjectCID: subjectCID,
				CreatedAt:  obj.Created(),
				IndexedAt:  ts,
			})
		},
		FindDuplicate: func(ctx context.Context, tx repository.Tx, uri model.URI, obj T) (string, error) {
			subject, _ := g.subject(obj)
			return tx.FindSubjected(ctx, g.kind, uri.Host, subject)
		},
		Delete: func(ctx context.Context, tx repository.Tx, uri model.URI) (*model.Subjected, error) {
			return tx.DeleteSubjected(ctx, g.kind, uri.String())
		},
		NotifsForInsert:  g.notifsForInsert,
		NotifsForDelete:  g.notifsForDelete,
		UpdateAggregates: g.aggregates,
	}
}

func (g graphPlugin[T]) notifsForInsert(row model.Subjected) []model.Notification {
	if g.reason == "" {
		return nil
	}
	recipient := row.Subject
	if g.notifySubject {
		recipient = model.DIDFromURI(row.Subject)
	}
	if recipient == "" || recipient == row.Creator {
		return nil
	}
	n := model.Notification{
		DID:       recipient,
		Author:    row.Creator,
		RecordURI: row.URI,
		RecordCID: row.CID,
		Reason:    g.reason,
		SortAt:    row.SortAt(),
	}
	if g.notifySubject {
		n.ReasonSubject = row.Subject
	}
	return []model.Notification{n}
}

// notifsForDelete keeps the existing notification when a duplicate takes over.
func (g graphPlugin[T]) notifsForDelete(prev model.Subjected, replacedBy *model.Subjected) ([]model.Notification, []string) {
	if replacedBy != nil {
		return nil, nil
	}
	return nil, []string{prev.URI}
}

func likePlugin() Plugin[lexicon.Like, model.Like] {
	return graphPlugin[lexicon.Like]{
		schema:        lexicon.LikeSchema,
		kind:          repository.KindLike,
		subject:       func(l lexicon.Like) (string, string) { return l.Subject.URI, l.Subject.CID },
		reason:        model.ReasonLike,
		notifySubject: true,
		aggregates: func(ctx context.Context, tx repository.Tx, row model.Subjected) error {
			return tx.RecountLikes(ctx, row.Subject)
		},
	}.build()
}

func repostPlugin() Plugin[lexicon.Repost, model.Repost] {
	return graphPlugin[lexicon.Repost]{
		schema:        lexicon.RepostSchema,
		kind:          repository.KindRepost,
		subject:       func(r lexicon.Repost) (string, string) { return r.Subject.URI, r.Subject.CID },
		reason:        model.ReasonRepost,
		notifySubject: true,
		aggregates: func(ctx context.Context, tx repository.Tx, row model.Subjected) error {
			return tx.RecountReposts(ctx, row.Subject)
		},
	}.build()
}

func blockPlugin() Plugin[lexicon.Block, model.Block] {
	return graphPlugin[lexicon.Block]{
		schema:  lexicon.BlockSchema,
		kind:    repository.KindBlock,
		subject: func(b lexicon.Block) (string, string) { return b.Subject, "" },
	}.build()
}
