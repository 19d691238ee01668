package indexing

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/model"
	"github.com/and161185/skyindex/internal/repository"
)

type pair struct{ a, b string }

type postCounts struct{ likes, reposts, replies int }

type profileCounts struct{ followers, follows, posts int }

// memState is everything the fake store holds. Transactions work on a clone.
type memState struct {
	records     map[string]model.Record
	dups        map[string]model.DuplicateRecord
	posts       map[string]model.Post
	graph       map[repository.GraphKind]map[string]model.Subjected
	profiles    map[string]model.Profile
	notifs      []model.Notification
	actors      map[string]model.Actor
	syncs       map[string]model.ActorSync
	actorMutes  map[pair]bool
	threadMutes map[pair]bool
	postAgg     map[string]postCounts
	profileAgg  map[string]profileCounts
}

func newMemState() *memState {
	s := &memState{
		records:     map[string]model.Record{},
		dups:        map[string]model.DuplicateRecord{},
		posts:       map[string]model.Post{},
		graph:       map[repository.GraphKind]map[string]model.Subjected{},
		profiles:    map[string]model.Profile{},
		actors:      map[string]model.Actor{},
		syncs:       map[string]model.ActorSync{},
		actorMutes:  map[pair]bool{},
		threadMutes: map[pair]bool{},
		postAgg:     map[string]postCounts{},
		profileAgg:  map[string]profileCounts{},
	}
	for _, k := range []repository.GraphKind{repository.KindLike, repository.KindRepost, repository.KindFollow, repository.KindBlock} {
		s.graph[k] = map[string]model.Subjected{}
	}
	return s
}

func (s *memState) clone() *memState {
	c := &memState{
		records:     maps.Clone(s.records),
		dups:        maps.Clone(s.dups),
		posts:       maps.Clone(s.posts),
		graph:       map[repository.GraphKind]map[string]model.Subjected{},
		profiles:    maps.Clone(s.profiles),
		notifs:      slices.Clone(s.notifs),
		actors:      maps.Clone(s.actors),
		syncs:       maps.Clone(s.syncs),
		actorMutes:  maps.Clone(s.actorMutes),
		threadMutes: maps.Clone(s.threadMutes),
		postAgg:     maps.Clone(s.postAgg),
		profileAgg:  maps.Clone(s.profileAgg),
	}
	for k, rows := range s.graph {
		c.graph[k] = maps.Clone(rows)
	}
	return c
}

// memStore serializes transactions; advisory locks therefore always succeed.
type memStore struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	state *memState

	// failOn makes the named Tx method return the error.
	failOn map[string]error
	txs    int
}

var _ repository.Store = (*memStore)(nil)
var _ repository.Tx = (*memTx)(nil)

func newMemStore() *memStore {
	return &memStore{state: newMemState(), failOn: map[string]error{}}
}

func (m *memStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	m.txMu.Lock()
	m.mu.Lock()
	tx := &memTx{s: m.state.clone(), failOn: maps.Clone(m.failOn)}
	m.txs++
	m.mu.Unlock()

	err := fn(repository.WithTransaction(ctx), tx)
	if err == nil {
		m.mu.Lock()
		m.state = tx.s
		m.mu.Unlock()
	}
	m.txMu.Unlock()
	if err != nil {
		return err
	}
	for _, h := range tx.hooks {
		h()
	}
	return nil
}

func (m *memStore) fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[method] = err
}

// snapshot returns the committed state.
func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) seed(fn func(s *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

type memTx struct {
	s      *memState
	hooks  []func()
	failOn map[string]error
}

func (t *memTx) OnCommit(fn func()) { t.hooks = append(t.hooks, fn) }

func (t *memTx) err(method string) error { return t.failOn[method] }

func (t *memTx) InsertRecord(_ context.Context, rec model.Record) error {
	if err := t.err("InsertRecord"); err != nil {
		return err
	}
	if _, ok := t.s.records[rec.URI]; !ok {
		t.s.records[rec.URI] = rec
	}
	return nil
}

func (t *memTx) UpdateRecord(_ context.Context, rec model.Record) error {
	if cur, ok := t.s.records[rec.URI]; ok {
		cur.CID, cur.JSON, cur.IndexedAt = rec.CID, rec.JSON, rec.IndexedAt
		t.s.records[rec.URI] = cur
	}
	return nil
}

func (t *memTx) DeleteRecord(_ context.Context, uri string) error {
	delete(t.s.records, uri)
	return nil
}

func (t *memTx) RecordCIDs(_ context.Context, did string) (map[string]string, error) {
	out := map[string]string{}
	for uri, r := range t.s.records {
		if r.DID == did {
			out[uri] = r.CID
		}
	}
	return out, nil
}

func (t *memTx) InsertDuplicate(_ context.Context, dup model.DuplicateRecord) error {
	if _, ok := t.s.dups[dup.URI]; !ok {
		t.s.dups[dup.URI] = dup
	}
	return nil
}

func (t *memTx) UpdateDuplicate(_ context.Context, dup model.DuplicateRecord) error {
	if _, ok := t.s.dups[dup.URI]; ok {
		t.s.dups[dup.URI] = dup
	}
	return nil
}

func (t *memTx) DeleteDuplicate(_ context.Context, uri string) error {
	delete(t.s.dups, uri)
	return nil
}

func (t *memTx) DeleteDuplicatesOf(_ context.Context, uri string) error {
	maps.DeleteFunc(t.s.dups, func(_ string, d model.DuplicateRecord) bool { return d.DuplicateOf == uri })
	return nil
}

func (t *memTx) RepointDuplicates(_ context.Context, from, to string) error {
	for k, d := range t.s.dups {
		if d.DuplicateOf == from {
			d.DuplicateOf = to
			t.s.dups[k] = d
		}
	}
	return nil
}

func (t *memTx) OldestDuplicate(_ context.Context, uri string) (*model.DuplicateCandidate, error) {
	var best *model.DuplicateCandidate
	for _, d := range t.s.dups {
		rec, ok := t.s.records[d.URI]
		if d.DuplicateOf != uri || !ok {
			continue
		}
		if best == nil || d.IndexedAt.Before(best.IndexedAt) || (d.IndexedAt.Equal(best.IndexedAt) && d.URI < best.URI) {
			best = &model.DuplicateCandidate{URI: d.URI, CID: d.CID, JSON: rec.JSON, IndexedAt: d.IndexedAt}
		}
	}
	return best, nil
}

func (t *memTx) InsertNotifications(_ context.Context, notifs []model.Notification) error {
	if err := t.err("InsertNotifications"); err != nil {
		return err
	}
	t.s.notifs = append(t.s.notifs, notifs...)
	return nil
}

func (t *memTx) DeleteNotificationsByRecord(_ context.Context, uris []string) error {
	t.s.notifs = slices.DeleteFunc(t.s.notifs, func(n model.Notification) bool { return slices.Contains(uris, n.RecordURI) })
	return nil
}

func (t *memTx) ThreadMuted(_ context.Context, recipient, postURI string) (bool, error) {
	root := postURI
	if p, ok := t.s.posts[postURI]; ok && p.ReplyRoot != "" {
		root = p.ReplyRoot
	}
	return t.s.threadMutes[pair{recipient, root}], nil
}

func (t *memTx) BlockedOrMuted(_ context.Context, recipient, author string) (bool, error) {
	if t.s.actorMutes[pair{recipient, author}] {
		return true, nil
	}
	for _, b := range t.s.graph[repository.KindBlock] {
		if (b.Creator == recipient && b.Subject == author) || (b.Creator == author && b.Subject == recipient) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) GetActor(_ context.Context, did string) (*model.Actor, error) {
	a, ok := t.s.actors[did]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (t *memTx) GetActorByHandle(_ context.Context, handle string) (*model.Actor, error) {
	for _, a := range t.s.actors {
		if a.Handle != nil && *a.Handle == handle {
			return &a, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (t *memTx) ClearActorHandle(_ context.Context, did string) error {
	if a, ok := t.s.actors[did]; ok {
		a.Handle = nil
		t.s.actors[did] = a
	}
	return nil
}

func (t *memTx) UpsertActor(_ context.Context, did string, handle *string, indexedAt time.Time) error {
	a := t.s.actors[did]
	a.DID, a.Handle, a.IndexedAt = did, handle, indexedAt
	t.s.actors[did] = a
	return nil
}

func (t *memTx) SetUpstreamStatus(_ context.Context, did string, status *string) error {
	a := t.s.actors[did]
	a.DID, a.UpstreamStatus = did, status
	t.s.actors[did] = a
	return nil
}

func (t *memTx) SetCommitLastSeen(_ context.Context, sync model.ActorSync) error {
	t.s.syncs[sync.DID] = sync
	return nil
}

func (t *memTx) PurgeActor(_ context.Context, did string) error {
	prefix := "at://" + did + "/"
	maps.DeleteFunc(t.s.dups, func(uri string, _ model.DuplicateRecord) bool { return strings.HasPrefix(uri, prefix) })
	maps.DeleteFunc(t.s.posts, func(_ string, p model.Post) bool { return p.Creator == did })
	for _, rows := range t.s.graph {
		maps.DeleteFunc(rows, func(_ string, r model.Subjected) bool { return r.Creator == did })
	}
	maps.DeleteFunc(t.s.profiles, func(_ string, p model.Profile) bool { return p.Creator == did })
	maps.DeleteFunc(t.s.records, func(_ string, r model.Record) bool { return r.DID == did })
	t.s.notifs = slices.DeleteFunc(t.s.notifs, func(n model.Notification) bool { return n.DID == did || n.Author == did })
	delete(t.s.profileAgg, did)
	maps.DeleteFunc(t.s.actorMutes, func(p pair, _ bool) bool { return p.a == did })
	maps.DeleteFunc(t.s.threadMutes, func(p pair, _ bool) bool { return p.a == did })
	delete(t.s.syncs, did)
	delete(t.s.actors, did)
	return nil
}

func (t *memTx) MuteActor(_ context.Context, by, subject string) error {
	t.s.actorMutes[pair{by, subject}] = true
	return nil
}

func (t *memTx) UnmuteActor(_ context.Context, by, subject string) error {
	delete(t.s.actorMutes, pair{by, subject})
	return nil
}

func (t *memTx) MuteThread(_ context.Context, by, root string) error {
	t.s.threadMutes[pair{by, root}] = true
	return nil
}

func (t *memTx) UnmuteThread(_ context.Context, by, root string) error {
	delete(t.s.threadMutes, pair{by, root})
	return nil
}

func (t *memTx) ClearMutes(_ context.Context, by string) error {
	maps.DeleteFunc(t.s.actorMutes, func(p pair, _ bool) bool { return p.a == by })
	maps.DeleteFunc(t.s.threadMutes, func(p pair, _ bool) bool { return p.a == by })
	return nil
}

func (t *memTx) InsertPost(_ context.Context, p model.Post) (*model.Post, error) {
	if _, ok := t.s.posts[p.URI]; ok {
		return nil, nil
	}
	t.s.posts[p.URI] = p
	return &p, nil
}

func (t *memTx) DeletePost(_ context.Context, uri string) (*model.Post, error) {
	p, ok := t.s.posts[uri]
	if !ok {
		return nil, nil
	}
	delete(t.s.posts, uri)
	return &p, nil
}

func (t *memTx) ReplyRootOf(_ context.Context, uri string) (string, bool, error) {
	p, ok := t.s.posts[uri]
	return p.ReplyRoot, ok, nil
}

func (t *memTx) PostAncestors(_ context.Context, uri string, maxHeight int) ([]model.PostAncestor, error) {
	out := []model.PostAncestor{{URI: uri, Height: 0}}
	for h := 0; h < maxHeight; h++ {
		p, ok := t.s.posts[uri]
		if !ok || p.ReplyParent == "" {
			break
		}
		uri = p.ReplyParent
		out = append(out, model.PostAncestor{URI: uri, Height: h + 1})
	}
	return out, nil
}

func (t *memTx) InsertSubjected(_ context.Context, kind repository.GraphKind, row model.Subjected) (*model.Subjected, error) {
	rows := t.s.graph[kind]
	if _, ok := rows[row.URI]; ok {
		return nil, nil
	}
	// UNIQUE (creator, subject)
	for _, r := range rows {
		if r.Creator == row.Creator && r.Subject == row.Subject {
			return nil, nil
		}
	}
	rows[row.URI] = row
	return &row, nil
}

func (t *memTx) DeleteSubjected(_ context.Context, kind repository.GraphKind, uri string) (*model.Subjected, error) {
	rows := t.s.graph[kind]
	row, ok := rows[uri]
	if !ok {
		return nil, nil
	}
	delete(rows, uri)
	return &row, nil
}

func (t *memTx) FindSubjected(_ context.Context, kind repository.GraphKind, creator, subject string) (string, error) {
	for uri, r := range t.s.graph[kind] {
		if r.Creator == creator && r.Subject == subject {
			return uri, nil
		}
	}
	return "", nil
}

func (t *memTx) InsertProfile(_ context.Context, p model.Profile) (*model.Profile, error) {
	if _, ok := t.s.profiles[p.URI]; ok {
		return nil, nil
	}
	t.s.profiles[p.URI] = p
	return &p, nil
}

func (t *memTx) DeleteProfile(_ context.Context, uri string) (*model.Profile, error) {
	p, ok := t.s.profiles[uri]
	if !ok {
		return nil, nil
	}
	delete(t.s.profiles, uri)
	return &p, nil
}

func (t *memTx) countSubjected(kind repository.GraphKind, match func(model.Subjected) bool) int {
	n := 0
	for _, r := range t.s.graph[kind] {
		if match(r) {
			n++
		}
	}
	return n
}

func (t *memTx) RecountLikes(_ context.Context, subject string) error {
	c := t.s.postAgg[subject]
	c.likes = t.countSubjected(repository.KindLike, func(r model.Subjected) bool { return r.Subject == subject })
	t.s.postAgg[subject] = c
	return nil
}

func (t *memTx) RecountReposts(_ context.Context, subject string) error {
	c := t.s.postAgg[subject]
	c.reposts = t.countSubjected(repository.KindRepost, func(r model.Subjected) bool { return r.Subject == subject })
	t.s.postAgg[subject] = c
	return nil
}

func (t *memTx) RecountReplies(_ context.Context, parent string) error {
	c := t.s.postAgg[parent]
	c.replies = 0
	for _, p := range t.s.posts {
		if p.ReplyParent == parent && !p.ViolatesThreadGate {
			c.replies++
		}
	}
	t.s.postAgg[parent] = c
	return nil
}

func (t *memTx) RecountPosts(_ context.Context, did string) error {
	c := t.s.profileAgg[did]
	c.posts = 0
	for _, p := range t.s.posts {
		if p.Creator == did {
			c.posts++
		}
	}
	t.s.profileAgg[did] = c
	return nil
}

func (t *memTx) RecountFollowers(_ context.Context, did string) error {
	c := t.s.profileAgg[did]
	c.followers = t.countSubjected(repository.KindFollow, func(r model.Subjected) bool { return r.Subject == did })
	t.s.profileAgg[did] = c
	return nil
}

func (t *memTx) RecountFollows(_ context.Context, did string) error {
	c := t.s.profileAgg[did]
	c.follows = t.countSubjected(repository.KindFollow, func(r model.Subjected) bool { return r.Creator == did })
	t.s.profileAgg[did] = c
	return nil
}

func (t *memTx) TryAdvisoryXactLock(context.Context, int64) (bool, error) { return true, nil }

func (t *memTx) AdvisoryXactLock(context.Context, int64) error { return nil }
