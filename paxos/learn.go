package paxos

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// Learn surfaces every newly-committed, not-yet-learned instance to the
// client, strictly in ihole-ascending order, advancing ihole past each
// contiguous success and stopping dead at the first instance that cannot
// yet be learned (a missing cached request triggers RETRIEVE and blocks).
func (e *Engine) Learn(s *session.PaxosSession) {
	for {
		inst, found := s.FindInstance(s.IHole)
		if !found || !inst.Committed {
			return
		}
		if inst.Learned {
			s.IHole++
			continue
		}
		if !e.learnOne(s, inst) {
			return
		}
		s.IHole++
	}
}

// learnOne attempts to deliver one instance's learn callback. It returns
// false if learning is blocked (a RETRIEVE has been issued and ihole must
// not advance past this instance yet).
func (e *Engine) learnOne(s *session.PaxosSession, inst session.Instance) bool {
	switch inst.Value.Kind {
	case wire.KindNull:
		inst.Learned = true
		s.IList.Insert(inst)
		e.Metrics.LearnDelivered()
		return true

	case wire.KindChat:
		req, ok := s.FindRequest(inst.Value.ReqId)
		if !ok {
			e.sendRetrieve(s, inst.Value)
			return false
		}
		inst.Cached = true
		inst.Learned = true
		s.IList.Insert(inst)
		if e.Callbacks.LearnChat != nil {
			originDesc := e.descriptorFor(s, inst.Value.ReqId.Id)
			e.Callbacks.LearnChat(req.Payload, originDesc)
		}
		e.Metrics.LearnDelivered()
		return true

	case wire.KindJoin:
		req, ok := s.FindRequest(inst.Value.ReqId)
		if !ok {
			e.sendRetrieve(s, inst.Value)
			return false
		}
		e.learnJoin(s, inst, req)
		return true

	case wire.KindPart, wire.KindKill:
		e.learnPartOrKill(s, inst)
		return true

	default:
		inst.Learned = true
		s.IList.Insert(inst)
		return true
	}
}

func (e *Engine) descriptorFor(s *session.PaxosSession, paxid ids.PaxId) []byte {
	if a, ok := s.FindAcceptor(paxid); ok {
		return a.Desc
	}
	return nil
}

func (e *Engine) learnJoin(s *session.PaxosSession, inst session.Instance, req session.Request) {
	newPaxid := ids.PaxId(inst.Header.Inum)

	var acceptor session.Acceptor
	if deferred, ok := s.ADefer.Find(session.Acceptor{PaxId: newPaxid}); ok {
		// A hello arrived before this JOIN committed; promote it, keeping
		// the connection it already carries.
		acceptor = deferred
		acceptor.Desc = req.Payload
		if acceptor.Live {
			s.LiveCount++
		}
	} else {
		acceptor = session.Acceptor{PaxId: newPaxid, Desc: req.Payload, Live: false}
	}
	s.AList.Insert(acceptor)
	s.ADefer.Remove(session.Acceptor{PaxId: newPaxid})

	if s.IsProposer() {
		e.scheduleWelcome(s, newPaxid, req.Payload)
	}

	inst.Cached = true
	inst.Learned = true
	s.IList.Insert(inst)
	if e.Callbacks.LearnJoin != nil {
		e.Callbacks.LearnJoin(req.Payload)
	}
	e.Metrics.LearnDelivered()
}

func (e *Engine) learnPartOrKill(s *session.PaxosSession, inst session.Instance) {
	target := ids.PaxId(inst.Value.Extra)
	if target == ids.Unassigned {
		target = inst.Value.ReqId.Id
	}
	desc := e.descriptorFor(s, target)
	if e.Callbacks.LearnPart != nil {
		e.Callbacks.LearnPart(desc)
	}

	inst.Learned = true
	s.IList.Insert(inst)
	e.Metrics.LearnDelivered()

	if target == s.SelfId {
		if e.Callbacks.Leave != nil {
			e.Callbacks.Leave()
		}
		return
	}

	acc, found := s.FindAcceptor(target)
	s.AList.Remove(session.Acceptor{PaxId: target})
	s.GCContinuationsForJoin(target)
	if found {
		if acc.Live {
			s.LiveCount--
		}
		e.maybeResetProposer(s)
	}
}
