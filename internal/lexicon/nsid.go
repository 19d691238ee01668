// Package lexicon holds the record collections known to the indexer, their
// typed shapes and the schema checks every record must pass before indexing.
package lexicon

// Collection identifiers.
const (
	FeedPost     = "app.bsky.feed.post"
	FeedLike     = "app.bsky.feed.like"
	FeedRepost   = "app.bsky.feed.repost"
	GraphFollow  = "app.bsky.graph.follow"
	GraphBlock   = "app.bsky.graph.block"
	ActorProfile = "app.bsky.actor.profile"
)

// Embed and facet type identifiers referenced by posts.
const (
	EmbedRecord          = "app.bsky.embed.record"
	EmbedRecordWithMedia = "app.bsky.embed.recordWithMedia"
	FacetMention         = "app.bsky.richtext.facet#mention"
	FacetLink            = "app.bsky.richtext.facet#link"
)
