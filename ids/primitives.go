// Package ids holds the primitive identifiers used throughout the module:
// PaxId, session UUIDs, and the two distinct orderings over (id, gen)
// pairs used for ballots and request ids.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// PaxId is a nonzero 32-bit acceptor/proposer identifier. Zero is the
// sentinel "unassigned" value.
type PaxId uint32

// Unassigned is the sentinel PaxId meaning "no id yet".
const Unassigned PaxId = 0

// Valid reports whether the id has been assigned.
func (p PaxId) Valid() bool { return p != Unassigned }

func (p PaxId) String() string {
	if p == Unassigned {
		return "<unassigned>"
	}
	return fmt.Sprintf("P%d", uint32(p))
}

// UuidT is the 64-bit session identifier.
type UuidT uint64

// NewSessionID generates a UuidT from a strong random source. A v4 UUID
// is generated and folded into 64 bits rather than truncated, so both
// halves of the UUID's entropy contribute.
func NewSessionID() UuidT {
	u := uuid.New()
	hi := binary.BigEndian.Uint64(u[0:8])
	lo := binary.BigEndian.Uint64(u[8:16])
	return UuidT(hi ^ lo)
}

// NewLocalSeq returns a cryptographically random, nonzero 32-bit value for
// seeding a local request sequence number. NewPaxosSession does not call
// it: every session starts LocalSeq at 1.
func NewLocalSeq() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

func (u UuidT) String() string { return fmt.Sprintf("%016x", uint64(u)) }

// IdPair is an ordered pair (Id, Gen). Ballots and request ids are both
// IdPairs but are compared under different, deliberately distinct, total
// orders.
type IdPair struct {
	Id  PaxId
	Gen uint32
}

func (p IdPair) String() string {
	return fmt.Sprintf("(%v,%d)", p.Id, p.Gen)
}

// Ballot identifies a proposer's tenure: (proposer_id, generation).
type Ballot = IdPair

// ReqId identifies a request: (origin_acceptor_id, local_seq).
type ReqId = IdPair

// BallotLess implements ballot_order: compare Gen ascending, and on a tie
// compare Id ascending: a higher generation always wins, and at equal
// generation the proposer with the lower id is preferred. This is the
// dominance order used by every "is this ballot newer than ours" check in
// the synod engine.
func BallotLess(a, b IdPair) bool {
	if a.Gen != b.Gen {
		return a.Gen < b.Gen
	}
	return a.Id < b.Id
}

// BallotCompare returns -1, 0, or 1 for ballot_order.
func BallotCompare(a, b IdPair) int {
	switch {
	case a.Gen != b.Gen:
		if a.Gen < b.Gen {
			return -1
		}
		return 1
	case a.Id != b.Id:
		if a.Id < b.Id {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// BallotEqual reports whether two ballots are identical.
func BallotEqual(a, b IdPair) bool { return a.Id == b.Id && a.Gen == b.Gen }

// PairCompare implements reqid_order / pair_order: compare Gen ascending,
// and on a tie compare Id *descending*. This is intentionally the reverse
// of BallotCompare's tie-break and must not be collapsed into a single
// comparator. Request ids only need a total order (for container
// insertion), and origin-acceptor ties are broken high-to-low.
func PairCompare(a, b IdPair) int {
	switch {
	case a.Gen != b.Gen:
		if a.Gen < b.Gen {
			return -1
		}
		return 1
	case a.Id != b.Id:
		if a.Id > b.Id {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// PairLess implements reqid_order / pair_order as a strict less-than.
func PairLess(a, b IdPair) bool { return PairCompare(a, b) < 0 }

// PairEqual reports whether two pairs are identical.
func PairEqual(a, b IdPair) bool { return a.Id == b.Id && a.Gen == b.Gen }
