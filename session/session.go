package session

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/wire"
)

func acceptorLess(a, b Acceptor) bool { return a.PaxId < b.PaxId }
func acceptorEqual(a, b Acceptor) bool { return a.PaxId == b.PaxId }

func instanceLess(a, b Instance) bool { return a.Header.Inum < b.Header.Inum }
func instanceEqual(a, b Instance) bool { return a.Header.Inum == b.Header.Inum }

func requestLess(a, b Request) bool { return ids.PairLess(a.Value.ReqId, b.Value.ReqId) }
func requestEqual(a, b Request) bool { return ids.PairEqual(a.Value.ReqId, b.Value.ReqId) }

// PaxosSession is the full runtime state of one chat session. It is
// mutated exclusively from within the owning Actor's loop; nothing
// outside this package should ever touch its exported fields directly
// except via Actor.Deliver/WithSession.
type PaxosSession struct {
	SessionId  ids.UuidT
	SelfId     ids.PaxId
	LocalSeq   uint32 // next local sequence number for our own ReqIds
	Proposer   ids.PaxId
	Ballot     ids.Ballot
	GenHigh    uint32
	Prep       *Prep
	SyncId     uint32
	SyncPrev   uint32
	Sync       *Sync
	LiveCount  int

	AList  *OrderedList[Acceptor]
	ADefer *OrderedList[Acceptor]
	CList  []*Continuation

	IList  *OrderedList[Instance]
	// IDefer is a FIFO queue of decree values submitted while a prepare
	// is in flight, drained in arrival order once the prepare clears.
	// Ordering here is submission order, not inum, so a plain queue is
	// used rather than an OrderedList.
	IDefer []wire.Value
	RCache *OrderedList[Request]

	IBase uint32 // instance numbers below this have been truncated away
	IHole uint32 // first instance number not yet learned
}

// NewPaxosSession creates a fresh session for selfId, the founding
// acceptor of a brand-new chat, or for a joining acceptor prior to
// receiving its WELCOME (selfId is Unassigned until then).
func NewPaxosSession(sessionID ids.UuidT, selfID ids.PaxId) *PaxosSession {
	return &PaxosSession{
		SessionId: sessionID,
		SelfId:    selfID,
		LocalSeq:  1,
		AList:     NewOrderedList(acceptorLess, acceptorEqual),
		ADefer:    NewOrderedList(acceptorLess, acceptorEqual),
		IList:     NewOrderedList(instanceLess, instanceEqual),
		RCache:    NewOrderedList(requestLess, requestEqual),
		IBase:     1,
		IHole:     1,
	}
}

// Majority returns the number of acks required to win a quorum over the
// current acceptor list: floor(|alist|/2)+1.
func (s *PaxosSession) Majority() int {
	return s.AList.Len()/2 + 1
}

// IsProposer reports whether this acceptor believes itself to be the
// current proposer. A blank session still waiting on its WELCOME is
// never proposer.
func (s *PaxosSession) IsProposer() bool {
	return s.SelfId.Valid() && s.Proposer == s.SelfId
}

// NextInstance returns the next free slot a proposer should propose
// into: one past the highest instance number present, and never below
// IHole.
func (s *PaxosSession) NextInstance() uint32 {
	max := s.IHole
	s.IList.ForEach(func(inst Instance) {
		if inst.Header.Inum >= max {
			max = inst.Header.Inum + 1
		}
	})
	return max
}

// NextReqId allocates a fresh, locally-unique request id for a decree this
// acceptor originates.
func (s *PaxosSession) NextReqId() ids.ReqId {
	seq := s.LocalSeq
	s.LocalSeq++
	return ids.ReqId{Id: s.SelfId, Gen: seq}
}

// AdvanceGenHigh records that we have observed ballot b, raising GenHigh
// if b's generation exceeds our current high-water mark.
func (s *PaxosSession) AdvanceGenHigh(b ids.Ballot) {
	if b.Gen > s.GenHigh {
		s.GenHigh = b.Gen
	}
}

// FindAcceptor looks up a participant by PaxId.
func (s *PaxosSession) FindAcceptor(id ids.PaxId) (Acceptor, bool) {
	return s.AList.Find(Acceptor{PaxId: id})
}

// FindInstance looks up a log slot by instance number.
func (s *PaxosSession) FindInstance(inum uint32) (Instance, bool) {
	return s.IList.Find(Instance{Header: wire.Header{Inum: inum}})
}

// FindRequest looks up a cached request payload by its ReqId.
func (s *PaxosSession) FindRequest(reqID ids.ReqId) (Request, bool) {
	return s.RCache.Find(Request{Value: wire.Value{ReqId: reqID}})
}

// AddContinuation enqueues a deferred action awaiting a connection.
func (s *PaxosSession) AddContinuation(c *Continuation) {
	s.CList = append(s.CList, c)
}

// TakeContinuations removes and returns every continuation targeting
// paxid, for firing once a connection to that acceptor completes.
func (s *PaxosSession) TakeContinuations(paxid ids.PaxId) []*Continuation {
	var fired []*Continuation
	var kept []*Continuation
	for _, c := range s.CList {
		if c.Target == paxid {
			fired = append(fired, c)
		} else {
			kept = append(kept, c)
		}
	}
	s.CList = kept
	return fired
}

// GCContinuationsForJoin drops continuations and deferred hellos tagged
// with joinPaxid, called when that JOIN's target is parted or its
// instance is truncated out of the log, so neither list leaks for the
// session's lifetime.
func (s *PaxosSession) GCContinuationsForJoin(joinPaxid ids.PaxId) {
	var kept []*Continuation
	for _, c := range s.CList {
		if c.JoinPaxId != joinPaxid {
			kept = append(kept, c)
		}
	}
	s.CList = kept
	s.ADefer.RemoveWhere(func(a Acceptor) bool { return a.PaxId == joinPaxid })
}
