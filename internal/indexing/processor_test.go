package indexing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/background"
	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/lexicon"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

const (
	alice = "did:plc:alice"
	bob   = "did:plc:bob"
	carol = "did:plc:carol"
	dave  = "did:plc:dave"
)

var ts0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *memStore
	queue *background.Queue
	svc   *Service
}

func newFixture(t *testing.T, mods ...func(*Deps)) *fixture {
	t.Helper()
	store := newMemStore()
	queue := background.New(store, zap.NewNop(), background.Options{Workers: 2})
	t.Cleanup(func() { _ = queue.Destroy(context.Background()) })

	d := Deps{
		Store:     store,
		Queue:     queue,
		Resolver:  &fakeResolver{},
		Checkouts: &fakeCheckouts{},
		Log:       zap.NewNop(),
		Now:       func() time.Time { return ts0 },
	}
	for _, m := range mods {
		m(&d)
	}
	return &fixture{store: store, queue: queue, svc: NewService(d)}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.queue.ProcessAll(context.Background()))
}

func (f *fixture) index(t *testing.T, uri model.URI, raw string) {
	t.Helper()
	require.NoError(t, f.svc.IndexRecord(context.Background(), uri, model.ComputeCID([]byte(raw)), []byte(raw), model.ActionCreate, ts0, InsertOptions{}))
}

func postURI(did, rkey string) model.URI   { return model.MakeURI(did, lexicon.FeedPost, rkey) }
func likeURI(did, rkey string) model.URI   { return model.MakeURI(did, lexicon.FeedLike, rkey) }
func repostURI(did, rkey string) model.URI { return model.MakeURI(did, lexicon.FeedRepost, rkey) }
func followURI(did, rkey string) model.URI { return model.MakeURI(did, lexicon.GraphFollow, rkey) }
func blockURI(did, rkey string) model.URI  { return model.MakeURI(did, lexicon.GraphBlock, rkey) }

func likeJSON(subject model.URI) string {
	return fmt.Sprintf(`{"$type":"app.bsky.feed.like","subject":{"uri":%q,"cid":"bafysubject"},"createdAt":"2024-05-01T11:00:00Z"}`, subject.String())
}

func repostJSON(subject model.URI) string {
	return fmt.Sprintf(`{"$type":"app.bsky.feed.repost","subject":{"uri":%q,"cid":"bafysubject"},"createdAt":"2024-05-01T11:00:00Z"}`, subject.String())
}

func didRecordJSON(collection, subject string) string {
	return fmt.Sprintf(`{"$type":%q,"subject":%q,"createdAt":"2024-05-01T11:00:00Z"}`, collection, subject)
}

func postJSON(text string) string {
	return fmt.Sprintf(`{"$type":"app.bsky.feed.post","text":%q,"createdAt":"2024-05-01T11:00:00Z"}`, text)
}

func replyJSON(text string, root, parent model.URI) string {
	return fmt.Sprintf(`{"$type":"app.bsky.feed.post","text":%q,"createdAt":"2024-05-01T11:00:00Z",
		"reply":{"root":{"uri":%q,"cid":"bafyroot"},"parent":{"uri":%q,"cid":"bafyparent"}}}`, text, root.String(), parent.String())
}

func TestInsertRecord_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := postURI(bob, "p1")
	u := likeURI(alice, "l1")
	f.index(t, p, postJSON("hi"))

	f.index(t, u, likeJSON(p))
	f.index(t, u, likeJSON(p))
	f.drain(t)

	s := f.store.snapshot()
	require.Len(t, s.graph[repository.KindLike], 1)
	require.Contains(t, s.records, u.String())
	require.Len(t, s.records, 2)
	require.Len(t, s.notifs, 1)
	require.Equal(t, 1, s.postAgg[p.String()].likes)
}

func TestLikeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := postURI(bob, "p")
	u1, u2 := likeURI(alice, "u1"), likeURI(alice, "u2")

	f.index(t, u1, likeJSON(p))
	f.drain(t)
	s := f.store.snapshot()
	require.Len(t, s.graph[repository.KindLike], 1)
	require.Contains(t, s.graph[repository.KindLike], u1.String())
	require.Equal(t, 1, s.postAgg[p.String()].likes)
	require.Len(t, s.notifs, 1)
	n := s.notifs[0]
	require.Equal(t, bob, n.DID)
	require.Equal(t, alice, n.Author)
	require.Equal(t, model.ReasonLike, n.Reason)
	require.Equal(t, p.String(), n.ReasonSubject)

	f.index(t, u2, likeJSON(p))
	s = f.store.snapshot()
	require.Len(t, s.graph[repository.KindLike], 1)
	require.Equal(t, u1.String(), s.dups[u2.String()].DuplicateOf)
	require.Len(t, s.notifs, 1)

	require.NoError(t, f.svc.DeleteRecord(ctx, u1, false))
	f.drain(t)
	s = f.store.snapshot()
	require.Len(t, s.graph[repository.KindLike], 1)
	require.Contains(t, s.graph[repository.KindLike], u2.String())
	require.Empty(t, s.dups)
	require.Len(t, s.notifs, 1, "replacement keeps the notification")
	require.Equal(t, 1, s.postAgg[p.String()].likes)
	require.NotContains(t, s.records, u1.String())
}

func TestDuplicatePromotion_SkipsInvalidCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := postURI(bob, "p")
	u1, u2, u3 := likeURI(alice, "u1"), likeURI(alice, "u2"), likeURI(alice, "u3")

	f.index(t, u1, likeJSON(p))
	f.index(t, u3, likeJSON(p))
	// u2 was indexed before u3 but no longer validates
	f.store.seed(func(s *memState) {
		s.records[u2.String()] = model.Record{URI: u2.String(), CID: "bafyu2", DID: alice, JSON: []byte(`{"subject":"oops"}`), IndexedAt: ts0.Add(-time.Hour)}
		s.dups[u2.String()] = model.DuplicateRecord{URI: u2.String(), CID: "bafyu2", DuplicateOf: u1.String(), IndexedAt: ts0.Add(-time.Hour)}
	})

	require.NoError(t, f.svc.DeleteRecord(ctx, u1, false))

	s := f.store.snapshot()
	require.Contains(t, s.graph[repository.KindLike], u3.String())
	require.Len(t, s.graph[repository.KindLike], 1)
	require.Empty(t, s.dups)
}

func TestDuplicatePromotion_RepointsRemaining(t *testing.T) {
	f := newFixture(t)
	p := postURI(bob, "p")
	u1, u2, u3 := likeURI(alice, "u1"), likeURI(alice, "u2"), likeURI(alice, "u3")

	f.index(t, u1, likeJSON(p))
	require.NoError(t, f.svc.IndexRecord(context.Background(), u2, "c2", []byte(likeJSON(p)), model.ActionCreate, ts0.Add(time.Minute), InsertOptions{}))
	require.NoError(t, f.svc.IndexRecord(context.Background(), u3, "c3", []byte(likeJSON(p)), model.ActionCreate, ts0.Add(2*time.Minute), InsertOptions{}))

	require.NoError(t, f.svc.DeleteRecord(context.Background(), u1, false))

	s := f.store.snapshot()
	require.Contains(t, s.graph[repository.KindLike], u2.String())
	require.Equal(t, map[string]model.DuplicateRecord{
		u3.String(): {URI: u3.String(), CID: "c3", DuplicateOf: u2.String(), IndexedAt: ts0.Add(2 * time.Minute)},
	}, s.dups)
}

func TestDeleteRecord_Cascading(t *testing.T) {
	f := newFixture(t)
	p := postURI(bob, "p")
	u1, u2 := likeURI(alice, "u1"), likeURI(alice, "u2")
	f.index(t, u1, likeJSON(p))
	f.index(t, u2, likeJSON(p))

	require.NoError(t, f.svc.DeleteRecord(context.Background(), u1, true))
	f.drain(t)

	s := f.store.snapshot()
	require.Empty(t, s.graph[repository.KindLike])
	require.Empty(t, s.dups)
	require.Empty(t, s.notifs)
	require.Equal(t, 0, s.postAgg[p.String()].likes)
}

func TestDeleteRecord_NothingIndexed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.DeleteRecord(context.Background(), likeURI(alice, "nope"), false))
	f.drain(t)
	s := f.store.snapshot()
	require.Empty(t, s.records)
	require.Empty(t, s.postAgg)
}

func TestUpdateRecord_ReplaceEquivalent(t *testing.T) {
	p1 := postURI(alice, "p1")
	obj1 := postJSON("first draft")
	obj2 := `{"$type":"app.bsky.feed.post","text":"second","createdAt":"2024-05-01T11:30:00Z","langs":["en"],"tags":["go"]}`
	ctx := context.Background()

	updated := newFixture(t)
	updated.index(t, p1, obj1)
	require.NoError(t, updated.svc.IndexRecord(ctx, p1, "bafy2", []byte(obj2), model.ActionUpdate, ts0, InsertOptions{}))
	updated.drain(t)

	fresh := newFixture(t)
	require.NoError(t, fresh.svc.IndexRecord(ctx, p1, "bafy2", []byte(obj2), model.ActionCreate, ts0, InsertOptions{}))
	fresh.drain(t)

	a, b := updated.store.snapshot(), fresh.store.snapshot()
	require.Equal(t, b.posts, a.posts)
	require.Equal(t, b.records, a.records)
	require.Equal(t, b.profileAgg, a.profileAgg)
}

func TestUpdateRecord_SameObjectKeepsNotifications(t *testing.T) {
	f := newFixture(t)
	p := postURI(alice, "p")
	raw := `{"$type":"app.bsky.feed.post","text":"hey @bob","createdAt":"2024-05-01T11:00:00Z",
		"facets":[{"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:bob"}]}]}`
	f.index(t, p, raw)
	// mark the stored row so a delete+reinsert would be visible
	f.store.seed(func(s *memState) {
		require.Len(t, s.notifs, 1)
		s.notifs[0].RecordCID = "stored-row"
	})
	before := f.store.snapshot().notifs

	require.NoError(t, f.svc.IndexRecord(context.Background(), p, model.ComputeCID([]byte(raw)), []byte(raw), model.ActionUpdate, ts0, InsertOptions{}))

	after := f.store.snapshot().notifs
	require.Len(t, after, 1)
	require.Equal(t, "stored-row", after[0].RecordCID)
	require.Equal(t, before, after)
}

func TestUpdateRecord_ChangedPostRegeneratesNotifications(t *testing.T) {
	f := newFixture(t)
	p := postURI(alice, "p")
	raw := `{"$type":"app.bsky.feed.post","text":"hey @bob","createdAt":"2024-05-01T11:00:00Z",
		"facets":[{"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:bob"}]}]}`
	f.index(t, p, raw)

	edited := `{"$type":"app.bsky.feed.post","text":"hey @carol","createdAt":"2024-05-01T11:00:00Z",
		"facets":[{"features":[{"$type":"app.bsky.richtext.facet#mention","did":"did:plc:carol"}]}]}`
	require.NoError(t, f.svc.IndexRecord(context.Background(), p, model.ComputeCID([]byte(edited)), []byte(edited), model.ActionUpdate, ts0, InsertOptions{}))

	after := f.store.snapshot().notifs
	require.Len(t, after, 1)
	require.Equal(t, carol, after[0].DID)
	require.Equal(t, model.ComputeCID([]byte(edited)), after[0].RecordCID)
}

func TestUpdateRecord_DegradesToInsert(t *testing.T) {
	f := newFixture(t)
	p := postURI(bob, "p")
	u := likeURI(alice, "l")
	raw := likeJSON(p)
	f.store.seed(func(s *memState) {
		s.records[u.String()] = model.Record{URI: u.String(), CID: "old", DID: alice, JSON: []byte(raw), IndexedAt: ts0}
	})

	require.NoError(t, f.svc.IndexRecord(context.Background(), u, "new", []byte(raw), model.ActionUpdate, ts0, InsertOptions{}))

	s := f.store.snapshot()
	require.Contains(t, s.graph[repository.KindLike], u.String())
	require.Equal(t, "new", s.records[u.String()].CID)
	require.Len(t, s.notifs, 1)
}

func TestUpdateRecord_InvariantViolation(t *testing.T) {
	store := newMemStore()
	queue := background.New(store, zap.NewNop(), background.Options{Workers: 1})
	t.Cleanup(func() { _ = queue.Destroy(context.Background()) })

	plugin := blockPlugin()
	insert := plugin.Insert
	calls := 0
	plugin.Insert = func(ctx context.Context, tx repository.Tx, uri model.URI, cid string, obj lexicon.Block, ts time.Time) (*model.Subjected, error) {
		calls++
		if calls > 1 {
			return nil, nil
		}
		return insert(ctx, tx, uri, cid, obj, ts)
	}
	proc := NewRecordProcessor(plugin, queue, zap.NewNop())
	u := blockURI(alice, "b")
	raw := []byte(didRecordJSON(lexicon.GraphBlock, bob))
	ctx := context.Background()

	require.NoError(t, store.Transaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		return proc.InsertRecord(ctx, tx, u, "c1", raw, ts0, InsertOptions{})
	}))
	err := store.Transaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		return proc.UpdateRecord(ctx, tx, u, "c2", raw, ts0, InsertOptions{})
	})
	require.ErrorIs(t, err, errs.ErrInvariant)

	s := store.snapshot()
	require.Contains(t, s.graph[repository.KindBlock], u.String())
	require.Equal(t, "c1", s.records[u.String()].CID)
}

func TestProcessor_RequiresTransaction(t *testing.T) {
	store := newMemStore()
	proc := NewRecordProcessor(blockPlugin(), nil, zap.NewNop())
	tx := &memTx{s: store.snapshot()}
	err := proc.InsertRecord(context.Background(), tx, blockURI(alice, "b"), "c", []byte(didRecordJSON(lexicon.GraphBlock, bob)), ts0, InsertOptions{})
	require.ErrorIs(t, err, errs.ErrNoTransaction)
}

func TestSelfNotificationSuppression(t *testing.T) {
	f := newFixture(t)
	own := postURI(alice, "own")
	f.index(t, own, postJSON("mine"))
	f.index(t, likeURI(alice, "l"), likeJSON(own))
	f.index(t, repostURI(alice, "r"), repostJSON(own))
	f.index(t, followURI(alice, "f"), didRecordJSON(lexicon.GraphFollow, alice))

	require.Empty(t, f.store.snapshot().notifs)
}

func TestNotifications_BlocksAndMutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := postURI(bob, "p")
	f.index(t, p, postJSON("root"))

	f.index(t, blockURI(bob, "b"), didRecordJSON(lexicon.GraphBlock, alice))
	f.index(t, likeURI(alice, "l"), likeJSON(p))

	require.NoError(t, f.svc.ApplyMuteOperation(ctx, model.MuteOperation{Type: model.MuteAdd, ActorDID: bob, Subject: p.String()}))
	f.index(t, postURI(carol, "r"), replyJSON("reply", p, p))

	require.NoError(t, f.svc.ApplyMuteOperation(ctx, model.MuteOperation{Type: model.MuteAdd, ActorDID: bob, Subject: dave}))
	f.index(t, followURI(dave, "f"), didRecordJSON(lexicon.GraphFollow, bob))

	require.Empty(t, f.store.snapshot().notifs)

	f.index(t, followURI(carol, "f"), didRecordJSON(lexicon.GraphFollow, bob))
	notifs := f.store.snapshot().notifs
	require.Len(t, notifs, 1)
	require.Equal(t, model.ReasonFollow, notifs[0].Reason)
	require.Equal(t, carol, notifs[0].Author)
	require.Empty(t, notifs[0].ReasonSubject)
}

func TestPostNotifications(t *testing.T) {
	f := newFixture(t)
	root := postURI(bob, "root")
	quoted := postURI(dave, "q")
	reply := postURI(alice, "r")
	f.index(t, root, postJSON("root"))

	raw := fmt.Sprintf(`{"$type":"app.bsky.feed.post","text":"@carol look","createdAt":"2024-05-01T11:00:00Z",
		"reply":{"root":{"uri":%q,"cid":"c"},"parent":{"uri":%q,"cid":"c"}},
		"facets":[{"features":[{"$type":"app.bsky.richtext.facet#mention","did":%q},{"$type":"app.bsky.richtext.facet#mention","did":%q}]}],
		"embed":{"$type":"app.bsky.embed.record","record":{"uri":%q,"cid":"c"}}}`,
		root.String(), root.String(), carol, alice, quoted.String())
	f.index(t, reply, raw)

	s := f.store.snapshot()
	require.False(t, s.posts[reply.String()].InvalidReplyRoot)
	got := map[string]model.Notification{}
	for _, n := range s.notifs {
		got[n.DID] = n
	}
	require.Len(t, got, 3)
	require.Equal(t, model.ReasonMention, got[carol].Reason)
	require.Equal(t, model.ReasonQuote, got[dave].Reason)
	require.Equal(t, quoted.String(), got[dave].ReasonSubject)
	require.Equal(t, model.ReasonReply, got[bob].Reason)
	require.Equal(t, root.String(), got[bob].ReasonSubject)

	require.NoError(t, f.svc.DeleteRecord(context.Background(), reply, false))
	require.Empty(t, f.store.snapshot().notifs)
}

func TestPostNotifications_ReplyDepth(t *testing.T) {
	f := newFixture(t)
	authors := []string{"did:plc:a0", "did:plc:a1", "did:plc:a2", "did:plc:a3", "did:plc:a4", "did:plc:a5", "did:plc:a6"}
	root := postURI(authors[0], "p")
	f.index(t, root, postJSON("root"))
	parent := root
	for _, a := range authors[1:] {
		u := postURI(a, "p")
		f.index(t, u, replyJSON("reply", root, parent))
		parent = u
	}

	var last []string
	for _, n := range f.store.snapshot().notifs {
		if n.Author == authors[6] {
			last = append(last, n.DID)
		}
	}
	require.ElementsMatch(t, authors[1:6], last)
}

func TestInvalidReplyRoot(t *testing.T) {
	f := newFixture(t)
	root := postURI(bob, "root")
	other := postURI(bob, "other")
	f.index(t, root, postJSON("root"))
	f.index(t, other, postJSON("other"))
	r1 := postURI(alice, "r1")
	f.index(t, r1, replyJSON("ok", root, root))
	r2 := postURI(carol, "r2")
	f.index(t, r2, replyJSON("wrong root", other, r1))
	r3 := postURI(carol, "r3")
	f.index(t, r3, replyJSON("unknown parent", root, postURI(dave, "missing")))

	s := f.store.snapshot()
	require.False(t, s.posts[r1.String()].InvalidReplyRoot)
	require.True(t, s.posts[r2.String()].InvalidReplyRoot)
	require.True(t, s.posts[r3.String()].InvalidReplyRoot)
}

func TestIndexRecord_ValidationFails(t *testing.T) {
	f := newFixture(t)
	err := f.svc.IndexRecord(context.Background(), likeURI(alice, "l"), "c", []byte(`{"subject":{"uri":"nope"}}`), model.ActionCreate, ts0, InsertOptions{})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.Empty(t, f.store.snapshot().records)
}

func TestIndexRecord_RollbackDropsHooks(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.store.fail("InsertNotifications", boom)
	p := postURI(bob, "p")

	err := f.svc.IndexRecord(context.Background(), likeURI(alice, "l"), "c", []byte(likeJSON(p)), model.ActionCreate, ts0, InsertOptions{})
	require.ErrorIs(t, err, boom)
	f.drain(t)

	s := f.store.snapshot()
	require.Empty(t, s.records)
	require.Empty(t, s.graph[repository.KindLike])
	require.Empty(t, s.postAgg)
}

func TestDisableNotifs(t *testing.T) {
	f := newFixture(t)
	p := postURI(bob, "p")
	raw := likeJSON(p)
	require.NoError(t, f.svc.IndexRecord(context.Background(), likeURI(alice, "l"), "c", []byte(raw), model.ActionCreate, ts0, InsertOptions{DisableNotifs: true}))
	f.drain(t)
	s := f.store.snapshot()
	require.Empty(t, s.notifs)
	require.Equal(t, 1, s.postAgg[p.String()].likes)
}

func TestProfileOnlySelf(t *testing.T) {
	f := newFixture(t)
	raw := `{"$type":"app.bsky.actor.profile","displayName":"Alice"}`
	f.index(t, model.MakeURI(alice, lexicon.ActorProfile, "self"), raw)
	f.index(t, model.MakeURI(alice, lexicon.ActorProfile, "other"), raw)

	s := f.store.snapshot()
	require.Len(t, s.profiles, 1)
	require.Equal(t, "Alice", s.profiles[model.MakeURI(alice, lexicon.ActorProfile, "self").String()].DisplayName)
	require.Len(t, s.records, 2)
}

func TestFollowAggregates(t *testing.T) {
	f := newFixture(t)
	f.index(t, followURI(alice, "f1"), didRecordJSON(lexicon.GraphFollow, bob))
	f.index(t, followURI(carol, "f1"), didRecordJSON(lexicon.GraphFollow, bob))
	f.index(t, followURI(alice, "f2"), didRecordJSON(lexicon.GraphFollow, carol))
	f.drain(t)

	s := f.store.snapshot()
	require.Equal(t, 2, s.profileAgg[bob].followers)
	require.Equal(t, 2, s.profileAgg[alice].follows)
	require.Equal(t, 1, s.profileAgg[carol].followers)
	require.Equal(t, 1, s.profileAgg[carol].follows)
}
