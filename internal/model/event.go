package model

import (
	"encoding/json"
	"time"
)

// Event kinds delivered by the upstream transport.
const (
	EventCommit   = "commit"
	EventIdentity = "identity"
	EventAccount  = "account"
	EventSync     = "sync"
	EventInfo     = "info"
)

// Event is one sequenced message of the ordered repository stream.
type Event struct {
	Seq      int64          `json:"seq"`
	Kind     string         `json:"kind"`
	DID      string         `json:"did"`
	Time     time.Time      `json:"time"`
	Commit   *CommitEvent   `json:"commit,omitempty"`
	Identity *IdentityEvent `json:"identity,omitempty"`
	Account  *AccountEvent  `json:"account,omitempty"`
	Sync     *SyncEvent     `json:"sync,omitempty"`
	Info     *InfoEvent     `json:"info,omitempty"`
}

// CommitEvent is a signed batch of record mutations for one account.
type CommitEvent struct {
	Commit string     `json:"commit"`
	Rev    string     `json:"rev"`
	TooBig bool       `json:"tooBig,omitempty"`
	Ops    []RecordOp `json:"ops"`
}

// RecordOp is a single create/update/delete inside a commit.
type RecordOp struct {
	Action     WriteAction     `json:"action"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// IdentityEvent hints that an account's handle may have changed.
type IdentityEvent struct {
	Handle string `json:"handle,omitempty"`
}

// AccountEvent reports upstream hosting status changes.
type AccountEvent struct {
	Active bool   `json:"active"`
	Status string `json:"status,omitempty"`
}

// SyncEvent announces a new commit without content; the repo must be re-read.
type SyncEvent struct {
	Commit string `json:"commit"`
	Rev    string `json:"rev"`
}

// InfoEvent is an unsequenced informational message.
type InfoEvent struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}
