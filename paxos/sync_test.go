package paxos

import (
	"testing"

	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

func seedLearnedChats(s *session.PaxosSession, n uint32) {
	for inum := uint32(1); inum <= n; inum++ {
		val := wire.Value{Kind: wire.KindChat, ReqId: ids.ReqId{Id: 1, Gen: inum}}
		s.RCache.Insert(session.Request{Value: val, Payload: []byte("m")})
		s.IList.Insert(session.Instance{
			Header:    wire.Header{Session: testSession, Ballot: s.Ballot, Opcode: wire.OpCommit, Inum: inum},
			Committed: true,
			Cached:    true,
			Learned:   true,
			Value:     val,
		})
	}
	s.IHole = n + 1
}

func TestSyncRoundTruncatesToMinimum(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(1, 1, 2)
	seedLearnedChats(s, 3)

	e.StartSync(s)
	sf, ok := tr.lastOf(wire.OpSync)
	if !ok {
		t.Fatalf("no SYNC broadcast")
	}
	if sf.hdr.Inum != s.SyncId {
		t.Fatalf("sync inum = %d, want sync id %d", sf.hdr.Inum, s.SyncId)
	}
	if s.Sync == nil {
		t.Fatalf("no sync round open")
	}

	// The peer is only contiguous through 2; the minimum wins.
	e.HandleInbound(s, inbound(&fakePeer{paxid: 2}, wire.OpLast, s.Ballot, s.SyncId, uint32(2)))

	if s.Sync != nil {
		t.Fatalf("sync round still open after all acks")
	}
	trunc, ok := tr.lastOf(wire.OpTruncate)
	if !ok {
		t.Fatalf("no TRUNCATE broadcast")
	}
	if nb := trunc.payload.(uint32); nb != 2 {
		t.Fatalf("truncate base = %d, want 2", nb)
	}
	if s.IBase != 2 {
		t.Fatalf("ibase = %d, want 2", s.IBase)
	}
	if s.IList.Len() != 2 {
		t.Fatalf("ilist = %d instances, want 2", s.IList.Len())
	}
	if s.RCache.Len() != 2 {
		t.Fatalf("rcache = %d requests, want 2", s.RCache.Len())
	}
}

func TestSyncOnlyProposerInitiates(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(2, 1, 2)

	e.StartSync(s)
	if len(tr.sent) != 0 || s.Sync != nil {
		t.Fatalf("non-proposer initiated a sync")
	}
}

func TestOverlappingSyncSkipped(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(1, 1, 2)
	seedLearnedChats(s, 1)

	e.StartSync(s)
	e.StartSync(s)

	if tr.countOf(wire.OpSync) != 1 {
		t.Fatalf("sync broadcasts = %d, want 1", tr.countOf(wire.OpSync))
	}
	if s.Sync.Skips != 1 {
		t.Fatalf("skips = %d, want 1", s.Sync.Skips)
	}
	if s.SyncId != 1 {
		t.Fatalf("sync id = %d, want 1", s.SyncId)
	}
}

func TestStaleLastIgnored(t *testing.T) {
	e, _, _ := newEngine()
	s := memberSession(1, 1, 2)
	seedLearnedChats(s, 2)
	e.StartSync(s)

	e.HandleInbound(s, inbound(&fakePeer{paxid: 2}, wire.OpLast, s.Ballot, s.SyncId+7, uint32(1)))

	if s.Sync == nil || s.Sync.Acks != 1 {
		t.Fatalf("stale LAST counted toward the open sync")
	}
}

func TestAcceptorAnswersSyncWithLast(t *testing.T) {
	e, _, _ := newEngine()
	s := memberSession(2, 1, 2)
	seedLearnedChats(s, 4)

	peer := &fakePeer{paxid: 1}
	e.HandleInbound(s, inbound(peer, wire.OpSync, s.Ballot, 9, nil))

	last, ok := peer.lastOf(wire.OpLast)
	if !ok {
		t.Fatalf("no LAST reply")
	}
	if last.hdr.Inum != 9 {
		t.Fatalf("last echoes sync id %d, want 9", last.hdr.Inum)
	}
	if v := last.payload.(uint32); v != 4 {
		t.Fatalf("last = %d, want 4", v)
	}
}

func TestTruncateAppliedAndRetrieveFailsCleanly(t *testing.T) {
	e, _, _ := newEngine()
	s := memberSession(2, 1, 2)
	seedLearnedChats(s, 3)

	e.HandleInbound(s, inbound(&fakePeer{paxid: 1}, wire.OpTruncate, s.Ballot, 0, uint32(3)))

	if s.IBase != 3 || s.IList.Len() != 1 {
		t.Fatalf("ibase = %d ilist = %d, want 3 and 1", s.IBase, s.IList.Len())
	}
	if s.RCache.Len() != 1 {
		t.Fatalf("rcache = %d, want 1", s.RCache.Len())
	}

	// A retrieve for a truncated request finds nothing and must not
	// resurrect state or answer.
	peer := &fakePeer{paxid: 3}
	rp := wire.RetrievePayload{RequesterPaxId: 3, Value: wire.Value{Kind: wire.KindChat, ReqId: ids.ReqId{Id: 1, Gen: 1}}}
	e.HandleInbound(s, inbound(peer, wire.OpRetrieve, s.Ballot, 0, rp))
	if len(peer.sent) != 0 {
		t.Fatalf("truncated retrieve answered: %v", peer.sent)
	}
	if s.RCache.Len() != 1 {
		t.Fatalf("retrieve resurrected state")
	}
}

func TestTruncateSweepsJoinContinuations(t *testing.T) {
	e, _, _ := newEngine()
	s := memberSession(2, 1, 2)

	// Instance 3 is the JOIN of acceptor 3, invited by acceptor 1; the
	// continuation and deferred hello parked for the new member are keyed
	// by its own paxid (the JOIN's inum), not the inviter's.
	joinVal := wire.Value{Kind: wire.KindJoin, ReqId: ids.ReqId{Id: 1, Gen: 5}}
	s.RCache.Insert(session.Request{Value: joinVal, Payload: []byte("addr-3")})
	for inum := uint32(1); inum <= 3; inum++ {
		val := wire.Value{Kind: wire.KindNull}
		if inum == 3 {
			val = joinVal
		}
		s.IList.Insert(session.Instance{
			Header:    wire.Header{Session: testSession, Ballot: s.Ballot, Opcode: wire.OpCommit, Inum: inum},
			Committed: true,
			Cached:    true,
			Learned:   true,
			Value:     val,
		})
	}
	s.IHole = 4
	s.AddContinuation(&session.Continuation{Kind: session.ContWelcome, Target: 3, JoinPaxId: 3})
	s.AddContinuation(&session.Continuation{Kind: session.ContAckRedirect, Target: 1, JoinPaxId: 1})
	s.ADefer.Insert(session.Acceptor{PaxId: 3, Live: true})

	e.HandleInbound(s, inbound(&fakePeer{paxid: 1}, wire.OpTruncate, s.Ballot, 0, uint32(4)))

	if s.IList.Len() != 0 {
		t.Fatalf("ilist = %d instances after truncate, want 0", s.IList.Len())
	}
	if len(s.CList) != 1 || s.CList[0].Target != 1 {
		t.Fatalf("clist = %+v, want only the target-1 continuation", s.CList)
	}
	if s.ADefer.Len() != 0 {
		t.Fatalf("adefer not swept with the truncated join")
	}
}

func TestTruncateBelowBaseIgnored(t *testing.T) {
	e, _, _ := newEngine()
	s := memberSession(2, 1, 2)
	seedLearnedChats(s, 3)
	s.IBase = 2

	e.HandleInbound(s, inbound(&fakePeer{paxid: 1}, wire.OpTruncate, s.Ballot, 0, uint32(2)))

	if s.IBase != 2 || s.IList.Len() != 3 {
		t.Fatalf("regressive truncate applied: ibase %d ilist %d", s.IBase, s.IList.Len())
	}
}
