package paxos

import (
	"testing"

	"quorumchat.io/core/ids"
	"quorumchat.io/core/wire"
)

func TestConnectionDropPromotesNextProposer(t *testing.T) {
	e, tr, lr := newEngine()
	s := memberSession(2, 1, 2, 3)

	e.ConnectionLost(s, 1)

	if s.Proposer != 2 {
		t.Fatalf("proposer = %v, want 2", s.Proposer)
	}
	if s.Prep == nil {
		t.Fatalf("new proposer did not start a prepare")
	}
	prep, ok := tr.lastOf(wire.OpPrepare)
	if !ok {
		t.Fatalf("no PREPARE broadcast")
	}
	if want := (ids.Ballot{Id: 2, Gen: 2}); !ids.BallotEqual(prep.hdr.Ballot, want) {
		t.Fatalf("prepare ballot = %v, want %v", prep.hdr.Ballot, want)
	}

	// The surviving acceptor's promise completes the prepare; the dead
	// former proposer is then parted.
	peer3 := &fakePeer{paxid: 3}
	e.HandleInbound(s, inbound(peer3, wire.OpPromise, s.Ballot, 1, []wire.Instance(nil)))
	if s.Prep != nil {
		t.Fatalf("prepare still open after majority promise")
	}
	dec, ok := tr.lastOf(wire.OpDecree)
	if !ok {
		t.Fatalf("no PART decree for the dead proposer")
	}
	val := dec.payload.(wire.Value)
	if val.Kind != wire.KindPart || val.Extra != 1 {
		t.Fatalf("decree = %+v, want PART of 1", val)
	}

	e.HandleInbound(s, inbound(peer3, wire.OpAccept, s.Ballot, dec.hdr.Inum, nil))
	if len(lr.parts) != 1 || lr.parts[0] != "desc-1" {
		t.Fatalf("parts = %v, want [desc-1]", lr.parts)
	}
	if s.AList.Len() != 2 {
		t.Fatalf("alist = %d members, want 2", s.AList.Len())
	}
	if s.Proposer != 2 {
		t.Fatalf("proposer = %v after part, want 2", s.Proposer)
	}
}

func TestRedirectMajorityAbandonsPrepare(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(2, 1, 2, 3, 4)
	markDead(t, s, 1)
	e.StartPrepare(s)
	echoed := wire.Header{Session: testSession, Ballot: s.Prep.Ballot, Opcode: wire.OpPrepare, Inum: 1}

	peer3 := &fakePeer{paxid: 3}
	e.HandleInbound(s, inbound(peer3, wire.OpRedirect, ids.Ballot{Id: 1, Gen: 1}, 1, echoed))
	if s.Prep == nil {
		t.Fatalf("prepare abandoned below redirect majority")
	}

	peer4 := &fakePeer{paxid: 4}
	e.HandleInbound(s, inbound(peer4, wire.OpRedirect, ids.Ballot{Id: 1, Gen: 1}, 1, echoed))
	if s.Prep != nil {
		t.Fatalf("prepare survived a redirect majority")
	}
	if len(tr.connects) != 1 || tr.connects[0].target != 1 {
		t.Fatalf("connects = %+v, want one dial to acceptor 1", tr.connects)
	}

	tr.connects[0].done(true)
	if s.Proposer != 1 {
		t.Fatalf("proposer = %v after reconnect, want 1", s.Proposer)
	}
	a, _ := s.FindAcceptor(1)
	if !a.Live {
		t.Fatalf("reconnected proposer not marked live")
	}
}

func TestRedirectReconnectFailureReprepares(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(2, 1, 2, 3, 4)
	markDead(t, s, 1)
	e.StartPrepare(s)
	firstGen := s.Prep.Ballot.Gen
	echoed := wire.Header{Session: testSession, Ballot: s.Prep.Ballot, Opcode: wire.OpPrepare, Inum: 1}

	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpRedirect, ids.Ballot{Id: 1, Gen: 1}, 1, echoed))
	e.HandleInbound(s, inbound(&fakePeer{paxid: 4}, wire.OpRedirect, ids.Ballot{Id: 1, Gen: 1}, 1, echoed))

	tr.connects[0].done(false)
	if s.Prep == nil {
		t.Fatalf("no re-prepare after reconnect failure")
	}
	if s.Prep.Ballot.Gen <= firstGen {
		t.Fatalf("re-prepare gen = %d, want > %d", s.Prep.Ballot.Gen, firstGen)
	}
}

func TestRedirectEchoMismatchIgnored(t *testing.T) {
	e, _, _ := newEngine()
	s := memberSession(2, 1, 2, 3, 4)
	markDead(t, s, 1)
	e.StartPrepare(s)

	// Wrong ballot in the echo.
	stale := wire.Header{Session: testSession, Ballot: ids.Ballot{Id: 2, Gen: 1}, Opcode: wire.OpPrepare, Inum: 1}
	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpRedirect, ids.Ballot{Id: 1, Gen: 1}, 1, stale))
	if s.Prep.Redirects != 0 {
		t.Fatalf("redirect with stale echo counted")
	}

	// Right ballot, wrong opcode.
	wrongOp := wire.Header{Session: testSession, Ballot: s.Prep.Ballot, Opcode: wire.OpRequest, Inum: 1}
	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpRedirect, ids.Ballot{Id: 1, Gen: 1}, 1, wrongOp))
	if s.Prep.Redirects != 0 {
		t.Fatalf("redirect echoing a non-prepare opcode counted")
	}
}

func TestRedirectTieReprepares(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(2, 2, 3)
	e.StartPrepare(s)
	firstGen := s.Prep.Ballot.Gen
	echoed := wire.Header{Session: testSession, Ballot: s.Prep.Ballot, Opcode: wire.OpPrepare, Inum: 1}

	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpRedirect, ids.Ballot{Id: 3, Gen: 1}, 1, echoed))

	if s.Prep == nil {
		t.Fatalf("tie should re-prepare, not give up")
	}
	if s.Prep.Ballot.Gen <= firstGen {
		t.Fatalf("tie re-prepare gen = %d, want > %d", s.Prep.Ballot.Gen, firstGen)
	}
	if tr.countOf(wire.OpPrepare) != 2 {
		t.Fatalf("prepare broadcasts = %d, want 2", tr.countOf(wire.OpPrepare))
	}
}

func TestRejectRoundNullifiesContestedPart(t *testing.T) {
	e, tr, lr := newEngine()
	s := memberSession(1, 1, 2, 3)

	e.SubmitPart(s, false, 2)
	dec, ok := tr.lastOf(wire.OpDecree)
	if !ok {
		t.Fatalf("no PART decree broadcast")
	}
	inum := dec.hdr.Inum

	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpReject, s.Ballot, inum, nil))
	if len(tr.connects) != 0 {
		t.Fatalf("reconnect before reject majority")
	}
	e.HandleInbound(s, inbound(&fakePeer{paxid: 2}, wire.OpReject, s.Ballot, inum, nil))
	if len(tr.connects) != 1 || tr.connects[0].target != 2 {
		t.Fatalf("connects = %+v, want one dial to the part target", tr.connects)
	}

	tr.connects[0].done(true)
	inst, _ := s.FindInstance(inum)
	if inst.Value.Kind != wire.KindNull {
		t.Fatalf("re-decree kind = %v, want NULL", inst.Value.Kind)
	}

	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpAccept, s.Ballot, inum, nil))
	if len(lr.parts) != 0 {
		t.Fatalf("contested part still delivered: %v", lr.parts)
	}
	if _, ok := s.FindAcceptor(2); !ok {
		t.Fatalf("contested part still removed the acceptor")
	}
	if s.IHole != inum+1 {
		t.Fatalf("ihole = %d, want %d", s.IHole, inum+1)
	}
}

func TestRejectReconnectFailureRedecreesPart(t *testing.T) {
	e, tr, lr := newEngine()
	s := memberSession(1, 1, 2, 3)

	e.SubmitPart(s, false, 2)
	dec, _ := tr.lastOf(wire.OpDecree)
	inum := dec.hdr.Inum
	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpReject, s.Ballot, inum, nil))
	e.HandleInbound(s, inbound(&fakePeer{paxid: 2}, wire.OpReject, s.Ballot, inum, nil))

	tr.connects[0].done(false)
	inst, _ := s.FindInstance(inum)
	if inst.Value.Kind != wire.KindPart {
		t.Fatalf("re-decree kind = %v, want PART", inst.Value.Kind)
	}

	e.HandleInbound(s, inbound(&fakePeer{paxid: 3}, wire.OpAccept, s.Ballot, inum, nil))
	if len(lr.parts) != 1 {
		t.Fatalf("parts = %v, want one delivery", lr.parts)
	}
	if _, ok := s.FindAcceptor(2); ok {
		t.Fatalf("parted acceptor still present")
	}
}

func TestStaleRequesterForceKilled(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(2, 2, 3, 4)

	val := wire.Value{Kind: wire.KindChat, ReqId: ids.ReqId{Id: 4, Gen: 1}}
	req := wire.Request{Value: val, Payload: []byte("stale")}
	e.HandleInbound(s, inbound(&fakePeer{paxid: 4}, wire.OpRequest, s.Ballot, 3, req))

	dec, ok := tr.lastOf(wire.OpDecree)
	if !ok {
		t.Fatalf("no KILL decree for stale requester")
	}
	v := dec.payload.(wire.Value)
	if v.Kind != wire.KindKill || v.Extra != 4 {
		t.Fatalf("decree = %+v, want KILL of 4", v)
	}
}

func TestMisaddressedRequestRefused(t *testing.T) {
	e, _, _ := newEngine()
	s := memberSession(3, 1, 2, 3)

	val := wire.Value{Kind: wire.KindChat, ReqId: ids.ReqId{Id: 2, Gen: 1}}
	peer := &fakePeer{paxid: 2}
	e.HandleInbound(s, inbound(peer, wire.OpRequest, s.Ballot, 3, wire.Request{Value: val, Payload: []byte("x")}))

	refuse, ok := peer.lastOf(wire.OpRefuse)
	if !ok {
		t.Fatalf("no REFUSE for misaddressed request")
	}
	if refuse.hdr.Inum != uint32(s.Proposer) {
		t.Fatalf("refuse names %d, want proposer %d", refuse.hdr.Inum, s.Proposer)
	}
	rp := refuse.payload.(wire.RefusePayload)
	if rp.Refused != val.ReqId {
		t.Fatalf("refused reqid = %v, want %v", rp.Refused, val.ReqId)
	}
	if _, ok := s.FindRequest(val.ReqId); !ok {
		t.Fatalf("misaddressed request not cached")
	}
}

func TestRefuseTriggersReconnectToIndicated(t *testing.T) {
	e, tr, _ := newEngine()
	s := memberSession(3, 1, 2, 3)
	markDead(t, s, 1)
	s.Proposer = 2

	rp := wire.RefusePayload{
		Offending: wire.Header{Session: testSession, Ballot: s.Ballot, Opcode: wire.OpRequest, Inum: 2},
		Refused:   ids.ReqId{Id: 3, Gen: 1},
	}
	e.HandleInbound(s, inbound(&fakePeer{paxid: 2}, wire.OpRefuse, s.Ballot, 1, rp))

	if len(tr.connects) != 1 || tr.connects[0].target != 1 {
		t.Fatalf("connects = %+v, want one dial to indicated acceptor 1", tr.connects)
	}
	tr.connects[0].done(true)
	if s.Proposer != 1 {
		t.Fatalf("proposer = %v after refuse reconnect, want 1", s.Proposer)
	}
}
