// Package wire is the message model: the paxos header, decree value,
// instance, acceptor, and request wire structures, and their msgpack
// codec. One Go type per wire shape with explicit pack/unpack, using
// github.com/vmihailenco/msgpack/v5's CustomEncoder/CustomDecoder hooks,
// since every protocol message is exactly the flat tuple msgpack already
// encodes as an array.
package wire

import "quorumchat.io/core/ids"

// Opcode identifies the kind of protocol message.
type Opcode int

const (
	OpPrepare Opcode = iota + 1
	OpPromise
	OpDecree
	OpAccept
	OpCommit
	OpWelcome
	OpHello
	OpRequest
	OpRetrieve
	OpResend
	OpRedirect
	OpRefuse
	OpReject
	OpRetry
	OpRecommit
	OpSync
	OpLast
	OpTruncate
)

func (op Opcode) String() string {
	switch op {
	case OpPrepare:
		return "PREPARE"
	case OpPromise:
		return "PROMISE"
	case OpDecree:
		return "DECREE"
	case OpAccept:
		return "ACCEPT"
	case OpCommit:
		return "COMMIT"
	case OpWelcome:
		return "WELCOME"
	case OpHello:
		return "HELLO"
	case OpRequest:
		return "REQUEST"
	case OpRetrieve:
		return "RETRIEVE"
	case OpResend:
		return "RESEND"
	case OpRedirect:
		return "REDIRECT"
	case OpRefuse:
		return "REFUSE"
	case OpReject:
		return "REJECT"
	case OpRetry:
		return "RETRY"
	case OpRecommit:
		return "RECOMMIT"
	case OpSync:
		return "SYNC"
	case OpLast:
		return "LAST"
	case OpTruncate:
		return "TRUNCATE"
	default:
		return "UNKNOWN"
	}
}

// DecreeKind identifies what a decree value represents.
type DecreeKind int

const (
	KindNull DecreeKind = iota
	KindChat
	KindJoin
	KindPart
	KindKill
)

func (k DecreeKind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindChat:
		return "CHAT"
	case KindJoin:
		return "JOIN"
	case KindPart:
		return "PART"
	case KindKill:
		return "KILL"
	default:
		return "UNKNOWN"
	}
}

// RequiresCache reports whether this decree kind carries a bulk payload
// that must be cached in the request cache before it can be learned.
func (k DecreeKind) RequiresCache() bool {
	return k == KindChat || k == KindJoin
}

// Value is a decree value: (kind, reqid, extra). CHAT and JOIN carry bulk
// payload out-of-band via the request cache keyed by reqid; PART/KILL
// carry their target inline in Extra.
type Value struct {
	Kind  DecreeKind
	ReqId ids.ReqId
	Extra uint32
}

// Header accompanies every message: (session_uuid, ballot, opcode, inum).
type Header struct {
	Session ids.UuidT
	Ballot  ids.Ballot
	Opcode  Opcode
	Inum    uint32
}

// Instance is the wire representation of one log slot, carried in PROMISE
// and WELCOME payloads: (header, committed, value).
type Instance struct {
	Header    Header
	Committed bool
	Value     Value
}

// Acceptor is the wire representation of a participant: (paxid, desc).
type Acceptor struct {
	PaxId ids.PaxId
	Desc  []byte
}

// Request is the wire representation of a cached request: (value, payload).
type Request struct {
	Value   Value
	Payload []byte
}

// WelcomePayload is WELCOME's payload: [(session_uuid, ibase), acceptor[], instance[]].
type WelcomePayload struct {
	SessionId ids.UuidT
	IBase     uint32
	AList     []Acceptor
	IList     []Instance
}

// RetrievePayload is RETRIEVE's payload: [requester_paxid, value].
type RetrievePayload struct {
	RequesterPaxId ids.PaxId
	Value          Value
}

// RefusePayload is REFUSE's payload: [offending header, refused reqid].
type RefusePayload struct {
	Offending Header
	Refused   ids.ReqId
}
