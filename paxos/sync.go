package paxos

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// StartSync: periodically, the proposer broadcasts SYNC to discover a
// universally-learned prefix it can truncate to. A sync already in
// flight is skipped and counted.
func (e *Engine) StartSync(s *session.PaxosSession) {
	if !s.IsProposer() {
		return
	}
	if s.Sync != nil {
		s.Sync.Skips++
		return
	}
	s.SyncId++
	// Our own last-contiguous inum counts toward the minimum from the
	// start; the wire round only collects everyone else's.
	ownLast := s.IHole
	if ownLast > 0 {
		ownLast--
	}
	s.Sync = &session.Sync{Total: s.LiveCount, Acks: 1, Last: ownLast}
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpSync, Inum: s.SyncId}
	e.Transport.Broadcast(s, hdr, nil)
	if s.Sync.Acks >= s.Sync.Total {
		e.finishSync(s)
	}
}

// onSync is the acceptor-side handler: reply LAST with the inum of our
// last contiguously-learned instance.
func (e *Engine) onSync(s *session.PaxosSession, in session.Inbound) {
	last := s.IHole
	if last > 0 {
		last--
	}
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpLast, Inum: in.Header.Inum}
	in.From.Send(hdr, last)
}

// onLast is the proposer-side accumulator: once every acceptor's LAST is
// in, broadcast TRUNCATE with the minimum reported inum.
func (e *Engine) onLast(s *session.PaxosSession, in session.Inbound) {
	if s.Sync == nil || in.Header.Inum != s.SyncId {
		return
	}
	last, _ := in.Payload.(uint32)
	if last < s.Sync.Last {
		s.Sync.Last = last
	}
	s.Sync.Acks++
	if s.Sync.Acks >= s.Sync.Total {
		e.finishSync(s)
	}
}

func (e *Engine) finishSync(s *session.PaxosSession) {
	newBase := s.Sync.Last
	s.SyncPrev = newBase
	s.Sync = nil
	e.truncateTo(s, newBase)
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpTruncate}
	e.Transport.Broadcast(s, hdr, newBase)
}

// onTruncate is the acceptor-side handler applying a proposer-issued
// TRUNCATE.
func (e *Engine) onTruncate(s *session.PaxosSession, in session.Inbound) {
	newBase, _ := in.Payload.(uint32)
	e.truncateTo(s, newBase)
}

// truncateTo drops every instance and cached request below newBase, and
// garbage-collects continuations and deferred hellos tied to JOINs that
// have fallen out of the retained log.
func (e *Engine) truncateTo(s *session.PaxosSession, newBase uint32) {
	if newBase <= s.IBase {
		return
	}
	var toDrop []uint32
	s.IList.ForEach(func(inst session.Instance) {
		if inst.Header.Inum < newBase {
			toDrop = append(toDrop, inst.Header.Inum)
		}
	})
	for _, inum := range toDrop {
		if inst, ok := s.FindInstance(inum); ok && inst.Value.Kind == wire.KindJoin {
			// A JOIN's inum is the joined acceptor's paxid.
			s.GCContinuationsForJoin(ids.PaxId(inum))
		}
		s.IList.Remove(session.Instance{Header: wire.Header{Inum: inum}})
	}
	stillReferenced := make(map[ids.IdPair]bool)
	s.IList.ForEach(func(inst session.Instance) {
		if inst.Value.Kind.RequiresCache() {
			stillReferenced[inst.Value.ReqId] = true
		}
	})
	var dropReqs []session.Request
	s.RCache.ForEach(func(r session.Request) {
		if !stillReferenced[r.Value.ReqId] {
			dropReqs = append(dropReqs, r)
		}
	})
	for _, r := range dropReqs {
		s.RCache.Remove(r)
	}
	s.IBase = newBase
}
