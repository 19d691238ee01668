package model

import "time"

// Post is an indexed feed post.
type Post struct {
	URI                string
	CID                string
	Creator            string
	Text               string
	ReplyRoot          string
	ReplyRootCID       string
	ReplyParent        string
	ReplyParentCID     string
	Langs              []string
	Tags               []string
	CreatedAt          time.Time
	IndexedAt          time.Time
	InvalidReplyRoot   bool
	ViolatesThreadGate bool
}

// SortAt is the earlier of the indexing and creation timestamps.
func (p Post) SortAt() time.Time {
	if p.IndexedAt.Before(p.CreatedAt) {
		return p.IndexedAt
	}
	return p.CreatedAt
}

// PostAncestor is a post reachable by walking reply parents, at the given height.
type PostAncestor struct {
	URI    string
	Height int
}

// Subjected is a record referencing another record or account (like, repost, follow, block).
type Subjected struct {
	URI        string
	CID        string
	Creator    string
	Subject    string
	SubjectCID string // empty for account subjects
	CreatedAt  time.Time
	IndexedAt  time.Time
}

// SortAt is the earlier of the indexing and creation timestamps.
func (s Subjected) SortAt() time.Time {
	if s.IndexedAt.Before(s.CreatedAt) {
		return s.IndexedAt
	}
	return s.CreatedAt
}

type (
	Like   = Subjected
	Repost = Subjected
	Follow = Subjected
	Block  = Subjected
)

// Profile is an indexed actor profile.
type Profile struct {
	URI         string
	CID         string
	Creator     string
	DisplayName string
	Description string
	AvatarCID   string
	BannerCID   string
	IndexedAt   time.Time
}
