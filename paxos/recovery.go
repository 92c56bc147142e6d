package paxos

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// deathAdjusted treats every presumed-dead acceptor as an implicit vote
// for the outcome under consideration. Scoped strictly to the REDIRECT
// and REJECT tallies below; prepare acks and decree votes always need a
// plain majority of the full acceptor list, since those choose values.
func deathAdjusted(n, alistLen, liveCount int) int {
	return n + (alistLen - liveCount)
}

// ConnectionLost is called by the network layer when a peer socket dies.
// Nulls that acceptor's liveness, resets the proposer belief if it was
// the proposer, and starts a prepare if we are the new proposer.
func (e *Engine) ConnectionLost(s *session.PaxosSession, paxid ids.PaxId) {
	a, ok := s.FindAcceptor(paxid)
	if !ok || !a.Live {
		return
	}
	a.Live = false
	s.AList.Insert(a)
	s.LiveCount--
	wasProposer := paxid == s.Proposer
	if wasProposer {
		e.maybeResetProposer(s)
	}
}

// maybeResetProposer recomputes the lowest-paxid live (or self) acceptor
// as proposer and starts a prepare if we have newly become proposer.
func (e *Engine) maybeResetProposer(s *session.PaxosSession) {
	wasProposer := s.IsProposer()
	best := s.SelfId
	s.AList.ForEach(func(a session.Acceptor) {
		if (a.Live || a.PaxId == s.SelfId) && a.PaxId < best {
			best = a.PaxId
		}
	})
	s.Proposer = best
	if s.IsProposer() && !wasProposer {
		e.StartPrepare(s)
	}
}

// sendRedirect: sent to a peer that is not recognized as proposer-elect,
// or that used an opcode reserved to a role it does not hold. The payload
// echoes the offending header; our proposer belief rides in hdr.Inum.
func (e *Engine) sendRedirect(s *session.PaxosSession, to session.PeerHandle, offending wire.Header) {
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRedirect, Inum: uint32(s.Proposer)}
	to.Send(hdr, offending)
	e.Metrics.RedirectSent()
}

// onProposerRedirect is ack_redirect at the proposer holding an open
// prepare. Both the echoed ballot and the echoed opcode are validated
// before the redirect is counted.
func (e *Engine) onProposerRedirect(s *session.PaxosSession, in session.Inbound) {
	if s.Prep == nil {
		return
	}
	echoed, ok := in.Payload.(wire.Header)
	if !ok || !ids.BallotEqual(echoed.Ballot, s.Prep.Ballot) || echoed.Opcode != wire.OpPrepare {
		return
	}
	s.Prep.Redirects++

	indicated := ids.PaxId(in.Header.Inum)
	adjustedRedirects := deathAdjusted(s.Prep.Redirects, s.AList.Len(), s.LiveCount)
	maj := s.Majority()

	if adjustedRedirects >= maj {
		s.Prep = nil
		s.AddContinuation(&session.Continuation{
			Kind:    session.ContAckRedirect,
			Session: s.SessionId,
			Target:  indicated,
		})
		e.Transport.Connect(s.SessionId, indicated, e.descriptorFor(s, indicated), func(ok bool) {
			e.ContinuationResult(s, indicated, ok)
		})
		return
	}

	if s.Prep.Acks+s.Prep.Redirects == s.LiveCount && s.Prep.Acks < maj && adjustedRedirects < maj {
		// tie: abandon and re-prepare with a fresh generation.
		s.Prep = nil
		e.StartPrepare(s)
	}
}

func (e *Engine) continueAckRedirect(s *session.PaxosSession, indicated ids.PaxId, ok bool) {
	if ok {
		markLive(s, indicated)
		s.Proposer = indicated
		return
	}
	e.StartPrepare(s)
}

// onProposerReject is ack_reject at the proposer: on a death-adjusted
// majority, reconnect to the part target before giving up on it.
func (e *Engine) onProposerReject(s *session.PaxosSession, in session.Inbound) {
	inst, found := s.FindInstance(in.Header.Inum)
	if !found {
		return
	}
	inst.Rejects++
	s.IList.Insert(inst)

	target := ids.PaxId(inst.Value.Extra)
	if target == ids.Unassigned {
		target = inst.Value.ReqId.Id
	}
	maj := s.Majority()
	adjustedRejects := deathAdjusted(inst.Rejects, s.AList.Len(), s.LiveCount)

	if adjustedRejects >= maj {
		s.AddContinuation(&session.Continuation{
			Kind:    session.ContAckReject,
			Session: s.SessionId,
			Target:  target,
			Inum:    in.Header.Inum,
		})
		e.Transport.Connect(s.SessionId, target, e.descriptorFor(s, target), func(ok bool) {
			e.ContinuationResult(s, target, ok)
		})
		return
	}
	if inst.Votes+inst.Rejects == s.LiveCount && inst.Votes < maj && adjustedRejects < maj {
		e.Transport.Broadcast(s, inst.Header, inst.Value)
	}
}

func (e *Engine) continueAckReject(s *session.PaxosSession, target ids.PaxId, inum uint32, ok bool) {
	inst, found := s.FindInstance(inum)
	if !found {
		return
	}
	if ok {
		markLive(s, target)
		inst.Value = wire.Value{Kind: wire.KindNull}
	}
	inst.Header.Ballot = s.Ballot
	inst.Votes = 1
	inst.Rejects = 0
	s.IList.Insert(inst)
	e.broadcastDecree(s, inst)
	if inst.Votes >= s.Majority() {
		e.commitInstance(s, inum)
	}
}

// sendRetry: an acceptor that detects a hole (a commit for an inum it
// never saw decreed) asks the proposer to resend it.
func (e *Engine) sendRetry(s *session.PaxosSession, inum uint32) {
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRetry, Inum: inum}
	e.Transport.Unicast(s, s.Proposer, hdr, nil)
}

// onRetry is ack_retry at the proposer: reply RECOMMIT with the value iff
// committed.
func (e *Engine) onRetry(s *session.PaxosSession, in session.Inbound) {
	inst, found := s.FindInstance(in.Header.Inum)
	if !found || !inst.Committed {
		return
	}
	reply := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRecommit, Inum: in.Header.Inum}
	in.From.Send(reply, inst.Value)
}

// onRecommit applies a RECOMMIT reply: creates the instance as committed
// if it did not exist, then commits+learns.
func (e *Engine) onRecommit(s *session.PaxosSession, in session.Inbound) {
	val, _ := in.Payload.(wire.Value)
	inst, found := s.FindInstance(in.Header.Inum)
	if !found {
		inst = session.Instance{Header: in.Header, Value: val}
	}
	inst.Committed = true
	inst.Votes = 0
	s.IList.Insert(inst)
	e.Learn(s)
}
