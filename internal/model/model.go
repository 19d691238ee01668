// Package model defines domain entities used by the indexer, repositories and transports.
package model

import (
	"encoding/json"
	"time"
)

// WriteAction is the kind of mutation applied to a record.
type WriteAction string

const (
	ActionCreate WriteAction = "create"
	ActionUpdate WriteAction = "update"
	ActionDelete WriteAction = "delete"
)

// Record is the generic, schema-agnostic projection of one repository object.
type Record struct {
	URI       string
	CID       string
	DID       string
	JSON      json.RawMessage
	IndexedAt time.Time
	Tags      []string // optional classification labels
}

// DuplicateRecord maps a semantic duplicate to the uri it duplicates.
type DuplicateRecord struct {
	URI         string
	CID         string
	DuplicateOf string
	IndexedAt   time.Time
}

// DuplicateCandidate is a duplicate joined with its generic record, used for promotion.
type DuplicateCandidate struct {
	URI       string
	CID       string
	JSON      json.RawMessage
	IndexedAt time.Time
}

// Notification is one row per (recipient, event).
type Notification struct {
	DID           string // recipient
	Author        string
	RecordURI     string
	RecordCID     string
	Reason        string
	ReasonSubject string // empty when not applicable
	SortAt        time.Time
}

// Notification reasons.
const (
	ReasonLike    = "like"
	ReasonRepost  = "repost"
	ReasonFollow  = "follow"
	ReasonMention = "mention"
	ReasonReply   = "reply"
	ReasonQuote   = "quote"
)

// Actor is the per-account cached identity state.
type Actor struct {
	DID            string
	Handle         *string // nil when unknown or invalidated
	IndexedAt      time.Time
	UpstreamStatus *string
}

// ActorSync is the last-seen commit for an account.
type ActorSync struct {
	DID       string
	CommitCID string
	RepoRev   string
}

// Upstream account statuses accepted by the indexer.
const (
	StatusDeactivated = "deactivated"
	StatusSuspended   = "suspended"
	StatusTakendown   = "takendown"
	StatusDeleted     = "deleted"
)

// MuteOpType is the kind of mute operation delivered by the mute sync service.
type MuteOpType string

const (
	MuteAdd    MuteOpType = "add"
	MuteRemove MuteOpType = "remove"
	MuteClear  MuteOpType = "clear"
)

// MuteOperation mutes or unmutes an actor (subject is a DID) or a thread (subject is a post uri).
type MuteOperation struct {
	Type     MuteOpType
	ActorDID string
	Subject  string
}
