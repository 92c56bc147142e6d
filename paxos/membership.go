package paxos

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// scheduleWelcome parks a "welcome" continuation for a newly-learned
// JOIN. It fires once the outbound connect to the newcomer's descriptor
// completes.
func (e *Engine) scheduleWelcome(s *session.PaxosSession, newPaxid ids.PaxId, desc []byte) {
	s.AddContinuation(&session.Continuation{
		Kind:      session.ContWelcome,
		Session:   s.SessionId,
		Target:    newPaxid,
		JoinPaxId: newPaxid,
	})
	e.Transport.Connect(s.SessionId, newPaxid, desc, func(ok bool) {
		e.ContinuationResult(s, newPaxid, ok)
	})
}

// continueWelcome sends the newcomer its WELCOME snapshot once the
// outbound connect resolves. The newcomer's paxid is the inum of its
// JOIN decree, carried in the header.
func (e *Engine) continueWelcome(s *session.PaxosSession, newPaxid ids.PaxId, ok bool) {
	if !ok {
		// Connect failure for a new JOIN escalates to a non-forced
		// PART of the newcomer.
		e.SubmitPart(s, false, newPaxid)
		return
	}
	var alist []wire.Acceptor
	s.AList.ForEach(func(a session.Acceptor) {
		alist = append(alist, wire.Acceptor{PaxId: a.PaxId, Desc: a.Desc})
	})
	var ilist []wire.Instance
	s.IList.ForEach(func(inst session.Instance) {
		ilist = append(ilist, wire.Instance{Header: inst.Header, Committed: inst.Committed, Value: inst.Value})
	})
	payload := wire.WelcomePayload{SessionId: s.SessionId, IBase: s.IBase, AList: alist, IList: ilist}
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpWelcome, Inum: uint32(newPaxid)}
	e.Transport.Unicast(s, newPaxid, hdr, payload)
	markLive(s, newPaxid)
}

func markLive(s *session.PaxosSession, paxid ids.PaxId) {
	if a, ok := s.FindAcceptor(paxid); ok && !a.Live {
		a.Live = true
		s.AList.Insert(a)
		s.LiveCount++
	}
}

// onWelcome is ack_welcome: bootstraps a brand-new local session from the
// welcomer's payload.
func (e *Engine) onWelcome(s *session.PaxosSession, in session.Inbound) {
	hdr := in.Header
	payload, _ := in.Payload.(wire.WelcomePayload)

	s.SelfId = ids.PaxId(hdr.Inum)
	s.Ballot = hdr.Ballot
	s.GenHigh = hdr.Ballot.Gen
	s.SessionId = payload.SessionId
	s.IBase = payload.IBase
	s.Proposer = hdr.Ballot.Id

	for _, wa := range payload.AList {
		acc := session.Acceptor{PaxId: wa.PaxId, Desc: wa.Desc}
		switch {
		case wa.PaxId == s.SelfId:
			s.AList.Insert(acc)
		case wa.PaxId == hdr.Ballot.Id:
			// The proposer's connection is the inbound socket that
			// delivered this WELCOME; no reconnect needed.
			acc.Live = true
			s.AList.Insert(acc)
		default:
			s.AList.Insert(acc)
			e.scheduleAckWelcomeReconnect(s, acc)
		}
	}

	ihole := s.IBase
	for _, wi := range payload.IList {
		inst := session.Instance{Header: wi.Header, Committed: wi.Committed, Value: wi.Value}
		if wi.Committed {
			inst.Cached = true
			inst.Learned = true
		}
		s.IList.Insert(inst)
	}
	for {
		inst, ok := s.FindInstance(ihole)
		if !ok || !inst.Committed {
			break
		}
		ihole++
	}
	s.IHole = ihole

	s.LiveCount = 2 // self + proposer; increments as reconnects succeed
}

func (e *Engine) scheduleAckWelcomeReconnect(s *session.PaxosSession, target session.Acceptor) {
	s.AddContinuation(&session.Continuation{
		Kind:      session.ContAckWelcome,
		Session:   s.SessionId,
		Target:    target.PaxId,
		JoinPaxId: target.PaxId,
	})
	e.Transport.Connect(s.SessionId, target.PaxId, target.Desc, func(ok bool) {
		e.ContinuationResult(s, target.PaxId, ok)
	})
}

func (e *Engine) continueAckWelcome(s *session.PaxosSession, target ids.PaxId, ok bool) {
	if !ok {
		return
	}
	markLive(s, target)
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpHello, Inum: uint32(s.SelfId)}
	e.Transport.Unicast(s, target, hdr, nil)
}

// onHello handles both HELLO and its implicit ack: there is no separate
// wire opcode for ack_hello. Receiving HELLO is the ack, handled
// identically whichever role observes it.
func (e *Engine) onHello(s *session.PaxosSession, in session.Inbound) {
	senderID := ids.PaxId(in.Header.Inum)

	if senderID == s.Proposer {
		// A hello from our own proposer only follows a failed-PART
		// reconnect; its ballot is authoritative for this proposership.
		s.Ballot = in.Header.Ballot
		markLive(s, senderID)
		return
	}

	acc, found := s.FindAcceptor(senderID)
	if !found {
		s.ADefer.Insert(session.Acceptor{PaxId: senderID, Live: true})
		return
	}
	if !acc.Live {
		acc.Live = true
		s.AList.Insert(acc)
		s.LiveCount++
		if senderID < s.Proposer {
			s.Proposer = senderID
			if s.IsProposer() && s.Prep != nil {
				s.Prep = nil
			}
		}
		return
	}
	// Both sides concurrently reconnected. The network layer keeps the
	// peer that bound first and closes the duplicate socket before it is
	// ever adopted, so this hello arrives either on the surviving
	// connection or on a loser that is already closing; either way the
	// acceptor is live and there is nothing to update here.
}
