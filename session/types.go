// Package session holds the per-chat-session Paxos state and the
// single-actor loop that serializes every mutation of it.
package session

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/wire"
)

// Acceptor is the runtime record of one chat participant: its paxid (the
// instance number of its JOIN decree, or 1 for the session's founder), an
// opaque descriptor (display name, routing hint; never interpreted by the
// protocol layer), and whether a live peer connection is held for it.
type Acceptor struct {
	PaxId ids.PaxId
	Desc  []byte
	Live  bool
}

// Instance is the runtime record of one synod-algorithm slot: its header,
// commit/cache/learn flags, vote/reject tallies accumulated by the
// proposer role, and its decree value.
type Instance struct {
	Header    wire.Header
	Committed bool
	Cached    bool
	Learned   bool
	Votes     int
	Rejects   int
	Value     wire.Value
}

// Request is a cached bulk payload awaiting its decree's commit.
type Request struct {
	Value   wire.Value
	Payload []byte
}

// Prep is the ballot-preparation state held only while a proposer is
// actively trying to win a new ballot.
type Prep struct {
	Ballot    ids.Ballot
	Acks      int
	Redirects int
	IStart    uint32 // highest instance number in the log at prep time
}

// Sync is the log-compaction state held only while a proposer is actively
// running a SYNC round.
type Sync struct {
	Total int
	Acks  int
	Skips int
	Last  uint32
}

// ContinuationKind identifies which deferred action a Continuation
// performs once its target connection completes.
type ContinuationKind int

const (
	ContWelcome ContinuationKind = iota
	ContAckWelcome
	ContAckRedirect
	ContAckRefuse
	ContAckReject
)

// Continuation is a deferred action blocked on an outbound connection to
// a specific acceptor completing.
type Continuation struct {
	Kind    ContinuationKind
	Session ids.UuidT
	Target  ids.PaxId
	// JoinPaxId tags which JOIN decree this continuation is waiting on,
	// so it can be garbage collected at TRUNCATE once that JOIN's
	// instance falls out of the log.
	JoinPaxId ids.PaxId
	Inum      uint32   // for ContAckReject
	ReqId     ids.ReqId // for ContAckRefuse
	Fire      func()
}
