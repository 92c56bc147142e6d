package paxos

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// SubmitRequest originates a new CHAT or JOIN request on behalf of this
// acceptor. kind must be KindChat or KindJoin; PART and KILL go through
// SubmitPart since they carry no bulk payload.
func (e *Engine) SubmitRequest(s *session.PaxosSession, kind wire.DecreeKind, payload []byte) {
	reqID := s.NextReqId()
	val := wire.Value{Kind: kind, ReqId: reqID}
	req := wire.Request{Value: val, Payload: payload}

	if kind.RequiresCache() {
		hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRequest}
		e.Transport.Broadcast(s, hdr, req)
		s.RCache.Insert(session.Request{Value: val, Payload: payload})
	} else {
		hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRequest, Inum: uint32(s.Proposer)}
		e.Transport.Unicast(s, s.Proposer, hdr, req)
	}

	if s.IsProposer() {
		e.decreeValue(s, val, 0)
	}
}

// SubmitPart originates a PART, or a forced KILL when kill is set, of
// target; target Unassigned means this acceptor itself.
func (e *Engine) SubmitPart(s *session.PaxosSession, kill bool, target ids.PaxId) {
	kind := wire.KindPart
	if kill {
		kind = wire.KindKill
	}
	val := wire.Value{Kind: kind, ReqId: s.NextReqId(), Extra: uint32(target)}
	if s.IsProposer() {
		e.decreeValue(s, val, 0)
		return
	}
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRequest, Inum: uint32(s.Proposer)}
	e.Transport.Unicast(s, s.Proposer, hdr, wire.Request{Value: val})
}

// onProposerRequest is ack_request at the proposer.
func (e *Engine) onProposerRequest(s *session.PaxosSession, in session.Inbound) {
	req, _ := in.Payload.(wire.Request)
	if in.Header.Inum > uint32(s.SelfId) {
		// requester believes someone higher-ranked is proposer: force-KILL them.
		e.SubmitPart(s, true, req.Value.ReqId.Id)
		return
	}
	if req.Value.Kind.RequiresCache() {
		s.RCache.Insert(session.Request{Value: req.Value, Payload: req.Payload})
	}
	e.decreeValue(s, req.Value, 0)
}

// onAcceptorRequest is ack_request at a plain acceptor.
func (e *Engine) onAcceptorRequest(s *session.PaxosSession, in session.Inbound) {
	req, _ := in.Payload.(wire.Request)
	s.RCache.Insert(session.Request{Value: req.Value, Payload: req.Payload})
	if in.Header.Inum == uint32(s.SelfId) {
		reply := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRefuse, Inum: uint32(s.Proposer)}
		in.From.Send(reply, wire.RefusePayload{Offending: in.Header, Refused: req.Value.ReqId})
	}
}

// onRefuse is ack_refuse at the original requester: if we have since
// found a more suitable proposer, ignore; otherwise schedule a reconnect
// to the indicated acceptor.
func (e *Engine) onRefuse(s *session.PaxosSession, in session.Inbound) {
	rp, _ := in.Payload.(wire.RefusePayload)
	indicated := ids.PaxId(in.Header.Inum)
	if ids.PaxId(rp.Offending.Inum) != s.Proposer || indicated == s.Proposer {
		// Our proposer belief has moved on since the refused request, or
		// the refuser agrees with us already.
		return
	}
	s.AddContinuation(&session.Continuation{
		Kind:    session.ContAckRefuse,
		Session: s.SessionId,
		Target:  indicated,
		ReqId:   rp.Refused,
	})
	e.Transport.Connect(s.SessionId, indicated, e.descriptorFor(s, indicated), func(ok bool) {
		e.ContinuationResult(s, indicated, ok)
	})
}

func (e *Engine) continueAckRefuse(s *session.PaxosSession, indicated ids.PaxId, ok bool) {
	if ok {
		markLive(s, indicated)
		s.Proposer = indicated
	}
}

// sendRetrieve asks for a request payload we missed: unicast to the
// request's originator if we believe their connection live, else
// broadcast.
func (e *Engine) sendRetrieve(s *session.PaxosSession, missing wire.Value) {
	hdr := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpRetrieve}
	payload := wire.RetrievePayload{RequesterPaxId: s.SelfId, Value: missing}
	if a, ok := s.FindAcceptor(missing.ReqId.Id); ok && a.Live {
		e.Transport.Unicast(s, a.PaxId, hdr, payload)
		return
	}
	e.Transport.Broadcast(s, hdr, payload)
}

// onRetrieve is ack_retrieve: reply RESEND with the cached request, if we
// have it.
func (e *Engine) onRetrieve(s *session.PaxosSession, in session.Inbound) {
	rp, _ := in.Payload.(wire.RetrievePayload)
	req, ok := s.FindRequest(rp.Value.ReqId)
	if !ok {
		return
	}
	reply := wire.Header{Session: s.SessionId, Ballot: s.Ballot, Opcode: wire.OpResend}
	in.From.Send(reply, wire.Request{Value: req.Value, Payload: req.Payload})
}

// onResend is ack_resend: cache the request if still missing, then retry
// learn (it may now be able to proceed past the instance it was blocking).
func (e *Engine) onResend(s *session.PaxosSession, in session.Inbound) {
	req, _ := in.Payload.(wire.Request)
	if _, ok := s.FindRequest(req.Value.ReqId); !ok {
		s.RCache.Insert(session.Request{Value: req.Value, Payload: req.Payload})
	}
	e.Learn(s)
}
