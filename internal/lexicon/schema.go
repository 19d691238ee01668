package lexicon

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/juju/schema"

	"github.com/and161185/skyindex/internal/errs"
)

// Schema validates raw record bytes for one collection and decodes them into T.
type Schema[T any] struct {
	nsid    string
	checker schema.Checker
	check   func(T) error
}

// NSID returns the collection the schema validates.
func (s Schema[T]) NSID() string { return s.nsid }

// Validate checks raw against the collection schema and returns the typed record.
// Every failure wraps errs.ErrValidation.
func (s Schema[T]) Validate(raw []byte) (T, error) {
	var zero T
	var attrs map[string]interface{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return zero, s.invalid(err)
	}
	if typ, ok := attrs["$type"]; ok && typ != s.nsid {
		return zero, s.invalid(fmt.Errorf("unexpected $type %v", typ))
	}
	if _, err := s.checker.Coerce(attrs, nil); err != nil {
		return zero, s.invalid(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, s.invalid(err)
	}
	if s.check != nil {
		if err := s.check(out); err != nil {
			return zero, s.invalid(err)
		}
	}
	return out, nil
}

// Check reports whether raw is a valid record of this collection.
func (s Schema[T]) Check(raw []byte) error {
	_, err := s.Validate(raw)
	return err
}

func (s Schema[T]) invalid(err error) error {
	return fmt.Errorf("%w: %s: %v", errs.ErrValidation, s.nsid, err)
}

var (
	strongRefChecker = schema.FieldMap(schema.Fields{
		"uri": schema.String(),
		"cid": schema.String(),
	}, nil)

	featureChecker = schema.FieldMap(schema.Fields{
		"$type": schema.String(),
		"did":   schema.String(),
		"uri":   schema.String(),
	}, schema.Defaults{
		"did": schema.Omit,
		"uri": schema.Omit,
	})

	blobChecker = schema.FieldMap(schema.Fields{
		"ref":      schema.FieldMap(schema.Fields{"$link": schema.String()}, nil),
		"mimeType": schema.String(),
	}, nil)
)

// PostSchema validates app.bsky.feed.post.
var PostSchema = Schema[Post]{
	nsid: FeedPost,
	checker: schema.FieldMap(schema.Fields{
		"text":      schema.String(),
		"createdAt": schema.String(),
		"reply": schema.FieldMap(schema.Fields{
			"root":   strongRefChecker,
			"parent": strongRefChecker,
		}, nil),
		"facets": schema.List(schema.FieldMap(schema.Fields{
			"features": schema.List(featureChecker),
		}, nil)),
		"embed": schema.FieldMap(schema.Fields{"$type": schema.String()}, nil),
		"langs": schema.List(schema.String()),
		"tags":  schema.List(schema.String()),
	}, schema.Defaults{
		"reply":  schema.Omit,
		"facets": schema.Omit,
		"embed":  schema.Omit,
		"langs":  schema.Omit,
		"tags":   schema.Omit,
	}),
	check: func(p Post) error {
		if len(p.Text) > 3000 {
			return fmt.Errorf("text too long (%d bytes)", len(p.Text))
		}
		if len(p.Langs) > 3 {
			return fmt.Errorf("too many langs (%d)", len(p.Langs))
		}
		if len(p.Tags) > 8 {
			return fmt.Errorf("too many tags (%d)", len(p.Tags))
		}
		if p.Reply != nil {
			if err := checkRecordURI(p.Reply.Root.URI); err != nil {
				return fmt.Errorf("reply root: %w", err)
			}
			if err := checkRecordURI(p.Reply.Parent.URI); err != nil {
				return fmt.Errorf("reply parent: %w", err)
			}
		}
		return checkDatetime(p.CreatedAt)
	},
}

// LikeSchema validates app.bsky.feed.like.
var LikeSchema = Schema[Like]{
	nsid: FeedLike,
	checker: schema.FieldMap(schema.Fields{
		"subject":   strongRefChecker,
		"createdAt": schema.String(),
	}, nil),
	check: func(l Like) error {
		if err := checkRecordURI(l.Subject.URI); err != nil {
			return fmt.Errorf("subject: %w", err)
		}
		return checkDatetime(l.CreatedAt)
	},
}

// RepostSchema validates app.bsky.feed.repost.
var RepostSchema = Schema[Repost]{
	nsid: FeedRepost,
	checker: schema.FieldMap(schema.Fields{
		"subject":   strongRefChecker,
		"createdAt": schema.String(),
	}, nil),
	check: func(r Repost) error {
		if err := checkRecordURI(r.Subject.URI); err != nil {
			return fmt.Errorf("subject: %w", err)
		}
		return checkDatetime(r.CreatedAt)
	},
}

// FollowSchema validates app.bsky.graph.follow.
var FollowSchema = Schema[Follow]{
	nsid: GraphFollow,
	checker: schema.FieldMap(schema.Fields{
		"subject":   schema.String(),
		"createdAt": schema.String(),
	}, nil),
	check: func(f Follow) error {
		if err := checkDID(f.Subject); err != nil {
			return err
		}
		return checkDatetime(f.CreatedAt)
	},
}

// BlockSchema validates app.bsky.graph.block.
var BlockSchema = Schema[Block]{
	nsid: GraphBlock,
	checker: schema.FieldMap(schema.Fields{
		"subject":   schema.String(),
		"createdAt": schema.String(),
	}, nil),
	check: func(b Block) error {
		if err := checkDID(b.Subject); err != nil {
			return err
		}
		return checkDatetime(b.CreatedAt)
	},
}

// ProfileSchema validates app.bsky.actor.profile.
var ProfileSchema = Schema[Profile]{
	nsid: ActorProfile,
	checker: schema.FieldMap(schema.Fields{
		"displayName": schema.String(),
		"description": schema.String(),
		"avatar":      blobChecker,
		"banner":      blobChecker,
	}, schema.Defaults{
		"displayName": schema.Omit,
		"description": schema.Omit,
		"avatar":      schema.Omit,
		"banner":      schema.Omit,
	}),
	check: func(p Profile) error {
		if n := utf8.RuneCountInString(p.DisplayName); n > 64 {
			return fmt.Errorf("displayName too long (%d)", n)
		}
		if n := utf8.RuneCountInString(p.Description); n > 256 {
			return fmt.Errorf("description too long (%d)", n)
		}
		return nil
	},
}

// Validator is the collection-agnostic view of a Schema.
type Validator interface {
	NSID() string
	Check(raw []byte) error
}

var validators = map[string]Validator{
	FeedPost:     PostSchema,
	FeedLike:     LikeSchema,
	FeedRepost:   RepostSchema,
	GraphFollow:  FollowSchema,
	GraphBlock:   BlockSchema,
	ActorProfile: ProfileSchema,
}

// Validate checks raw against the schema registered for collection.
func Validate(collection string, raw []byte) error {
	v, ok := validators[collection]
	if !ok {
		return fmt.Errorf("%w: unknown collection %s", errs.ErrValidation, collection)
	}
	return v.Check(raw)
}

func checkDatetime(s string) error {
	if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
		return fmt.Errorf("invalid datetime %q", s)
	}
	return nil
}

func checkDID(s string) error {
	if !strings.HasPrefix(s, "did:") || len(s) < 8 {
		return fmt.Errorf("invalid did %q", s)
	}
	return nil
}

func checkRecordURI(s string) error {
	if !strings.HasPrefix(s, "at://") {
		return fmt.Errorf("invalid at-uri %q", s)
	}
	return nil
}
