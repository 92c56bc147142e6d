package paxos

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// StartPrepare begins a new proposer's ballot. A prepare already in
// flight is left undisturbed.
func (e *Engine) StartPrepare(s *session.PaxosSession) {
	if s.Prep != nil {
		return
	}
	s.GenHigh++
	ballot := ids.Ballot{Id: s.SelfId, Gen: s.GenHigh}
	s.Ballot = ballot
	s.Proposer = s.SelfId
	istart, _ := lastContiguousInstance(s)
	s.Prep = &session.Prep{Ballot: ballot, Acks: 1, Redirects: 0, IStart: istart}
	e.Metrics.PrepareStarted()

	hdr := wire.Header{Session: s.SessionId, Ballot: ballot, Opcode: wire.OpPrepare, Inum: s.IHole}
	e.Transport.Broadcast(s, hdr, nil)

	if s.Prep.Acks >= s.Majority() {
		// Single-acceptor session: our own promise is already a majority.
		e.enterSteadyState(s)
	}
}

func lastContiguousInstance(s *session.PaxosSession) (uint32, bool) {
	all := s.IList.All()
	if len(all) == 0 {
		return 0, false
	}
	return all[len(all)-1].Header.Inum, true
}

// onPrepare is the acceptor-side ack_prepare handler.
func (e *Engine) onPrepare(s *session.PaxosSession, in session.Inbound) {
	hdr := in.Header
	if ids.BallotCompare(hdr.Ballot, s.Ballot) <= 0 {
		e.sendRedirect(s, in.From, hdr)
		return
	}
	s.Ballot = hdr.Ballot
	s.Proposer = hdr.Ballot.Id
	s.AdvanceGenHigh(hdr.Ballot)

	var instances []wire.Instance
	for _, inst := range s.IList.All() {
		if inst.Header.Inum >= hdr.Inum {
			instances = append(instances, wire.Instance{Header: inst.Header, Committed: inst.Committed, Value: inst.Value})
		}
	}
	reply := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpPromise, Inum: hdr.Inum}
	in.From.Send(reply, instances)
}

// onPromise is the proposer-side ack_promise handler.
func (e *Engine) onPromise(s *session.PaxosSession, in session.Inbound) {
	hdr := in.Header
	if s.Prep == nil || !ids.BallotEqual(hdr.Ballot, s.Ballot) {
		return
	}
	instances, _ := in.Payload.([]wire.Instance)
	for _, wi := range instances {
		mergePromisedInstance(s, wi)
	}
	s.Prep.Acks++
	if s.Prep.Acks >= s.Majority() {
		e.enterSteadyState(s)
	}
}

func mergePromisedInstance(s *session.PaxosSession, wi wire.Instance) {
	existing, found := s.FindInstance(wi.Header.Inum)
	if !found {
		s.IList.Insert(session.Instance{Header: wi.Header, Committed: wi.Committed, Value: wi.Value})
		return
	}
	if existing.Committed {
		return
	}
	if ids.BallotLess(existing.Header.Ballot, wi.Header.Ballot) {
		existing.Header = wi.Header
		existing.Value = wi.Value
		existing.Committed = wi.Committed
		s.IList.Insert(existing)
	}
}

// enterSteadyState runs once a majority of promises is in: fill every
// hole up to the highest promised instance with NULL decrees, reclaim
// uncommitted slots under our ballot, part the presumed-dead, and drain
// the deferred decree queue.
func (e *Engine) enterSteadyState(s *session.PaxosSession) {
	prep := s.Prep
	maxInum := prep.IStart
	if last, ok := lastContiguousInstance(s); ok && last > maxInum {
		maxInum = last
	}
	for inum := s.IHole; inum <= maxInum; inum++ {
		inst, found := s.FindInstance(inum)
		switch {
		case !found:
			e.decreeValue(s, wire.Value{Kind: wire.KindNull}, inum)
		case !inst.Committed:
			inst.Header.Ballot = s.Ballot
			inst.Header.Opcode = wire.OpDecree
			s.IList.Insert(inst)
			e.broadcastDecree(s, inst)
		}
	}
	s.Prep = nil

	for _, a := range s.AList.All() {
		if !a.Live && a.PaxId != s.SelfId {
			e.SubmitPart(s, false, a.PaxId)
		}
	}

	e.flushIDefer(s)
}

func (e *Engine) flushIDefer(s *session.PaxosSession) {
	pending := s.IDefer
	s.IDefer = nil
	for _, val := range pending {
		e.decreeValue(s, val, 0)
	}
}

// decreeValue builds an instance at the next free slot (or inum if
// nonzero, used for prepare-fill NULLs) and broadcasts it. If a prepare
// is in flight, the decree is deferred to IDefer instead.
func (e *Engine) decreeValue(s *session.PaxosSession, val wire.Value, inum uint32) {
	if s.Prep != nil && inum == 0 {
		s.IDefer = append(s.IDefer, val)
		return
	}
	if inum == 0 {
		inum = s.NextInstance()
	}
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpDecree, Inum: inum}
	inst := session.Instance{Header: hdr, Value: val, Votes: 1}
	s.IList.Insert(inst)
	e.broadcastDecree(s, inst)
	if inst.Votes >= s.Majority() {
		e.commitInstance(s, inum)
	}
}

func (e *Engine) broadcastDecree(s *session.PaxosSession, inst session.Instance) {
	e.Transport.Broadcast(s, inst.Header, inst.Value)
}

// onDecree is the acceptor-side ack_decree handler.
func (e *Engine) onDecree(s *session.PaxosSession, in session.Inbound) {
	hdr := in.Header
	if ids.BallotLess(hdr.Ballot, s.Ballot) {
		return
	}
	if ids.BallotLess(s.Ballot, hdr.Ballot) {
		s.Ballot = hdr.Ballot
		s.Proposer = hdr.Ballot.Id
		s.AdvanceGenHigh(hdr.Ballot)
	}
	val, _ := in.Payload.(wire.Value)

	if e.contestPartOrKill(s, in, hdr, val) {
		return
	}

	existing, found := s.FindInstance(hdr.Inum)
	switch {
	case !found:
		s.IList.Insert(session.Instance{Header: hdr, Value: val, Votes: 1})
		e.replyAccept(s, in, hdr)
	case !existing.Committed && ids.BallotLess(existing.Header.Ballot, hdr.Ballot):
		existing.Header = hdr
		existing.Value = val
		s.IList.Insert(existing)
		e.replyAccept(s, in, hdr)
	default:
		// stale or duplicate decree: no reply
	}
}

// contestPartOrKill: an acceptor that still sees the targeted peer's
// connection as live replies REJECT to a DECREE of PART/KILL against it,
// rather than accepting it. Returns true if the decree was contested (no
// ACCEPT is sent in that case).
func (e *Engine) contestPartOrKill(s *session.PaxosSession, in session.Inbound, hdr wire.Header, val wire.Value) bool {
	if val.Kind != wire.KindPart && val.Kind != wire.KindKill {
		return false
	}
	target := ids.PaxId(val.Extra)
	if target == ids.Unassigned {
		target = val.ReqId.Id
	}
	if target == s.SelfId {
		return false
	}
	a, ok := s.FindAcceptor(target)
	if !ok || !a.Live {
		return false
	}
	reply := wire.Header{Session: s.SessionId, Ballot: hdr.Ballot, Opcode: wire.OpReject, Inum: hdr.Inum}
	in.From.Send(reply, nil)
	return true
}

func (e *Engine) replyAccept(s *session.PaxosSession, in session.Inbound, hdr wire.Header) {
	reply := wire.Header{Session: s.SessionId, Ballot: hdr.Ballot, Opcode: wire.OpAccept, Inum: hdr.Inum}
	in.From.Send(reply, nil)
}

// onAccept is the proposer-side ack_accept handler.
func (e *Engine) onAccept(s *session.PaxosSession, in session.Inbound) {
	hdr := in.Header
	if !ids.BallotEqual(hdr.Ballot, s.Ballot) {
		return
	}
	inst, found := s.FindInstance(hdr.Inum)
	if !found || inst.Committed {
		return
	}
	inst.Votes++
	s.IList.Insert(inst)
	if inst.Votes >= s.Majority() {
		e.commitInstance(s, hdr.Inum)
	}
}

// commitInstance broadcasts COMMIT for a decree that has reached
// majority, zeroes its vote count, and learns locally.
func (e *Engine) commitInstance(s *session.PaxosSession, inum uint32) {
	inst, found := s.FindInstance(inum)
	if !found {
		return
	}
	inst.Committed = true
	inst.Votes = 0
	s.IList.Insert(inst)
	hdr := inst.Header
	hdr.Opcode = wire.OpCommit
	e.Transport.Broadcast(s, hdr, inst.Value)
	e.Metrics.InstanceCommitted()
	e.Learn(s)
}

// onCommit is the acceptor-side ack_commit handler.
func (e *Engine) onCommit(s *session.PaxosSession, in session.Inbound) {
	hdr := in.Header
	inst, found := s.FindInstance(hdr.Inum)
	if !found {
		// commit for an instance we never saw decreed: ask for it.
		e.sendRetry(s, hdr.Inum)
		return
	}
	if inst.Committed {
		return
	}
	inst.Committed = true
	inst.Votes = 0
	s.IList.Insert(inst)
	e.Learn(s)
}
