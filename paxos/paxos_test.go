package paxos

import (
	"fmt"
	"testing"

	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

const testSession ids.UuidT = 0x7e57

type sentFrame struct {
	target  ids.PaxId // Unassigned for broadcasts
	hdr     wire.Header
	payload interface{}
}

// fakeTransport records every send and parks Connect callbacks so tests
// can resolve dials deterministically.
type fakeTransport struct {
	sent     []sentFrame
	connects []fakeConnect
}

type fakeConnect struct {
	session ids.UuidT
	target  ids.PaxId
	desc    []byte
	done    func(bool)
}

func (t *fakeTransport) Broadcast(_ *session.PaxosSession, hdr wire.Header, payload interface{}) {
	t.sent = append(t.sent, sentFrame{hdr: hdr, payload: payload})
}

func (t *fakeTransport) Unicast(_ *session.PaxosSession, target ids.PaxId, hdr wire.Header, payload interface{}) {
	t.sent = append(t.sent, sentFrame{target: target, hdr: hdr, payload: payload})
}

func (t *fakeTransport) Connect(sessionID ids.UuidT, target ids.PaxId, desc []byte, done func(bool)) {
	t.connects = append(t.connects, fakeConnect{session: sessionID, target: target, desc: desc, done: done})
}

func (t *fakeTransport) opcodes() []wire.Opcode {
	ops := make([]wire.Opcode, len(t.sent))
	for i, f := range t.sent {
		ops[i] = f.hdr.Opcode
	}
	return ops
}

func (t *fakeTransport) lastOf(op wire.Opcode) (sentFrame, bool) {
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].hdr.Opcode == op {
			return t.sent[i], true
		}
	}
	return sentFrame{}, false
}

func (t *fakeTransport) countOf(op wire.Opcode) int {
	n := 0
	for _, f := range t.sent {
		if f.hdr.Opcode == op {
			n++
		}
	}
	return n
}

func (t *fakeTransport) reset() { t.sent = nil }

// fakePeer implements session.PeerHandle, recording replies.
type fakePeer struct {
	paxid ids.PaxId
	sent  []sentFrame
}

func (p *fakePeer) Send(hdr wire.Header, payload interface{}) error {
	p.sent = append(p.sent, sentFrame{hdr: hdr, payload: payload})
	return nil
}

func (p *fakePeer) RemotePaxId() (uint32, bool) {
	return uint32(p.paxid), p.paxid != ids.Unassigned
}

func (p *fakePeer) lastOf(op wire.Opcode) (sentFrame, bool) {
	for i := len(p.sent) - 1; i >= 0; i-- {
		if p.sent[i].hdr.Opcode == op {
			return p.sent[i], true
		}
	}
	return sentFrame{}, false
}

// learnRecorder captures every client-facing callback.
type learnRecorder struct {
	chats []string
	joins []string
	parts []string
	left  bool
}

func (lr *learnRecorder) callbacks() Callbacks {
	return Callbacks{
		LearnChat: func(payload, _ []byte) { lr.chats = append(lr.chats, string(payload)) },
		LearnJoin: func(desc []byte) { lr.joins = append(lr.joins, string(desc)) },
		LearnPart: func(desc []byte) { lr.parts = append(lr.parts, string(desc)) },
		Leave:     func() { lr.left = true },
	}
}

func newEngine() (*Engine, *fakeTransport, *learnRecorder) {
	tr := &fakeTransport{}
	lr := &learnRecorder{}
	e := &Engine{Transport: tr, Callbacks: lr.callbacks(), Metrics: NopMetrics{}}
	return e, tr, lr
}

// founderSession builds the state a freshly-started single-acceptor
// session holds: self is acceptor 1, its own JOIN occupies instance 1, and
// its first prepare has already collapsed to steady state.
func founderSession(e *Engine) *session.PaxosSession {
	s := session.NewPaxosSession(testSession, 1)
	s.Proposer = 1
	s.AList.Insert(session.Acceptor{PaxId: 1, Desc: []byte("desc-1"), Live: true})
	s.LiveCount = 1
	s.IList.Insert(session.Instance{
		Header:    wire.Header{Session: testSession, Ballot: ids.Ballot{Id: 1, Gen: 0}, Opcode: wire.OpCommit, Inum: 1},
		Committed: true,
		Cached:    true,
		Learned:   true,
		Value:     wire.Value{Kind: wire.KindJoin, ReqId: s.NextReqId()},
	})
	s.IHole = 2
	e.StartPrepare(s)
	return s
}

// memberSession builds an established multi-party session from this
// acceptor's point of view: every listed member is live, the lowest paxid
// is proposer, and the log is empty beyond history.
func memberSession(selfID ids.PaxId, members ...ids.PaxId) *session.PaxosSession {
	s := session.NewPaxosSession(testSession, selfID)
	proposer := members[0]
	for _, m := range members {
		if m < proposer {
			proposer = m
		}
		s.AList.Insert(session.Acceptor{PaxId: m, Desc: []byte(fmt.Sprintf("desc-%d", uint32(m))), Live: true})
	}
	s.LiveCount = len(members)
	s.Proposer = proposer
	s.Ballot = ids.Ballot{Id: proposer, Gen: 1}
	s.GenHigh = 1
	return s
}

func inbound(from *fakePeer, op wire.Opcode, ballot ids.Ballot, inum uint32, payload interface{}) session.Inbound {
	return session.Inbound{
		From:    from,
		Header:  wire.Header{Session: testSession, Ballot: ballot, Opcode: op, Inum: inum},
		Payload: payload,
	}
}

func markDead(t *testing.T, s *session.PaxosSession, paxid ids.PaxId) {
	t.Helper()
	a, ok := s.FindAcceptor(paxid)
	if !ok {
		t.Fatalf("no acceptor %v", paxid)
	}
	a.Live = false
	s.AList.Insert(a)
	s.LiveCount--
}
