package lexicon

import "time"

// StrongRef points at a specific version of a record.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef links a reply to its thread root and direct parent.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// FacetFeature is one rich-text annotation; DID is set for mentions, URI for links.
type FacetFeature struct {
	Type string `json:"$type"`
	DID  string `json:"did,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// Facet groups the features of one text range.
type Facet struct {
	Features []FacetFeature `json:"features"`
}

// Embed is the subset of post embeds the indexer cares about: record quotes.
type Embed struct {
	Type   string       `json:"$type"`
	Record *embedRecord `json:"record,omitempty"`
}

type embedRecord struct {
	StrongRef
	// recordWithMedia nests the quoted record one level deeper.
	Record *StrongRef `json:"record,omitempty"`
}

// Quoted returns the quoted record reference, if any.
func (e *Embed) Quoted() *StrongRef {
	if e == nil || e.Record == nil {
		return nil
	}
	switch e.Type {
	case EmbedRecord:
		ref := e.Record.StrongRef
		return &ref
	case EmbedRecordWithMedia:
		return e.Record.Record
	}
	return nil
}

// Post is an app.bsky.feed.post record.
type Post struct {
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Facets    []Facet   `json:"facets,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
	Langs     []string  `json:"langs,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// Created returns the parsed creation time.
func (p Post) Created() time.Time { return parseDatetime(p.CreatedAt) }

// Like is an app.bsky.feed.like record.
type Like struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// Created returns the parsed creation time.
func (l Like) Created() time.Time { return parseDatetime(l.CreatedAt) }

// Repost is an app.bsky.feed.repost record.
type Repost struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// Created returns the parsed creation time.
func (r Repost) Created() time.Time { return parseDatetime(r.CreatedAt) }

// Follow is an app.bsky.graph.follow record; Subject is a DID.
type Follow struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// Created returns the parsed creation time.
func (f Follow) Created() time.Time { return parseDatetime(f.CreatedAt) }

// Block is an app.bsky.graph.block record; Subject is a DID.
type Block struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// Created returns the parsed creation time.
func (b Block) Created() time.Time { return parseDatetime(b.CreatedAt) }

// BlobRef references uploaded media by CID.
type BlobRef struct {
	Ref struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
}

// Profile is an app.bsky.actor.profile record.
type Profile struct {
	DisplayName string   `json:"displayName,omitempty"`
	Description string   `json:"description,omitempty"`
	Avatar      *BlobRef `json:"avatar,omitempty"`
	Banner      *BlobRef `json:"banner,omitempty"`
}

// CID returns the blob's content id or "" for a nil blob.
func (b *BlobRef) CID() string {
	if b == nil {
		return ""
	}
	return b.Ref.Link
}

func parseDatetime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t.UTC()
}
