package indexing

import (
	"context"
	"time"

	"github.com/and161185/skyindex/internal/lexicon"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

// replyNotifDepth is how many ancestors above a reply are notified.
const replyNotifDepth = 5

// indexedPost is a post row plus what its notifications are derived from.
type indexedPost struct {
	post      model.Post
	mentions  []string // DIDs
	quoted    string   // quoted post uri
	ancestors []model.PostAncestor
}

func postPlugin() Plugin[lexicon.Post, indexedPost] {
	return Plugin[lexicon.Post, indexedPost]{
		Schema:          lexicon.PostSchema,
		Insert:          insertPost,
		FindDuplicate:   func(context.Context, repository.Tx, model.URI, lexicon.Post) (string, error) { return "", nil },
		Delete:          deletePost,
		NotifsForInsert: postNotifsForInsert,
		NotifsForDelete: postNotifsForDelete,
		UpdateAggregates: func(ctx context.Context, tx repository.Tx, p indexedPost) error {
			if p.post.ReplyParent != "" {
				if err := tx.RecountReplies(ctx, p.post.ReplyParent); err != nil {
					return err
				}
			}
			return tx.RecountPosts(ctx, p.post.Creator)
		},
	}
}

// postNotifsForDelete leaves notifications alone when the post content is
// unchanged; otherwise they are regenerated from the replacement.
func postNotifsForDelete(prev indexedPost, replacedBy *indexedPost) ([]model.Notification, []string) {
	if replacedBy == nil {
		return nil, []string{prev.post.URI}
	}
	if replacedBy.post.CID == prev.post.CID {
		return nil, nil
	}
	return postNotifsForInsert(*replacedBy), []string{prev.post.URI}
}

func insertPost(ctx context.Context, tx repository.Tx, uri model.URI, cid string, obj lexicon.Post, ts time.Time) (*indexedPost, error) {
	row := model.Post{
		URI:       uri.String(),
		CID:       cid,
		Creator:   uri.Host,
		Text:      obj.Text,
		Langs:     obj.Langs,
		Tags:      obj.Tags,
		CreatedAt: obj.Created(),
		IndexedAt: ts,
	}
	if r := obj.Reply; r != nil {
		row.ReplyRoot, row.ReplyRootCID = r.Root.URI, r.Root.CID
		row.ReplyParent, row.ReplyParentCID = r.Parent.URI, r.Parent.CID

		parentRoot, ok, err := tx.ReplyRootOf(ctx, r.Parent.URI)
		if err != nil {
			return nil, err
		}
		row.InvalidReplyRoot = invalidReplyRoot(r, parentRoot, ok)
	}

	inserted, err := tx.InsertPost(ctx, row)
	if err != nil || inserted == nil {
		return nil, err
	}

	out := &indexedPost{post: *inserted}
	for _, f := range obj.Facets {
		for _, feat := range f.Features {
			if feat.Type == lexicon.FacetMention && feat.DID != "" {
				out.mentions = append(out.mentions, feat.DID)
			}
		}
	}
	if q := obj.Embed.Quoted(); q != nil {
		if u, err := model.ParseURI(q.URI); err == nil && u.Collection == lexicon.FeedPost {
			out.quoted = q.URI
		}
	}
	out.ancestors, err = tx.PostAncestors(ctx, row.URI, replyNotifDepth)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// invalidReplyRoot reports whether the claimed root disagrees with the parent:
// a parent that is itself a reply must share the root, otherwise it must be the root.
func invalidReplyRoot(r *lexicon.ReplyRef, parentRoot string, parentKnown bool) bool {
	if !parentKnown {
		return true
	}
	if parentRoot != "" {
		return parentRoot != r.Root.URI
	}
	return r.Parent.URI != r.Root.URI
}

func deletePost(ctx context.Context, tx repository.Tx, uri model.URI) (*indexedPost, error) {
	deleted, err := tx.DeletePost(ctx, uri.String())
	if err != nil || deleted == nil {
		return nil, err
	}
	return &indexedPost{post: *deleted}, nil
}

func postNotifsForInsert(p indexedPost) []model.Notification {
	var notifs []model.Notification
	notified := map[string]bool{p.post.Creator: true}
	notify := func(recipient, reason, subject string) {
		if recipient == "" || notified[recipient] {
			return
		}
		notified[recipient] = true
		notifs = append(notifs, model.Notification{
			DID:           recipient,
			Author:        p.post.Creator,
			RecordURI:     p.post.URI,
			RecordCID:     p.post.CID,
			Reason:        reason,
			ReasonSubject: subject,
			SortAt:        p.post.SortAt(),
		})
	}

	for _, did := range p.mentions {
		notify(did, model.ReasonMention, "")
	}
	if p.quoted != "" {
		notify(model.DIDFromURI(p.quoted), model.ReasonQuote, p.quoted)
	}
	if p.post.ViolatesThreadGate {
		return notifs
	}
	for _, a := range p.ancestors {
		if a.Height == 0 || a.Height > replyNotifDepth {
			continue
		}
		notify(model.DIDFromURI(a.URI), model.ReasonReply, a.URI)
	}
	return notifs
}
