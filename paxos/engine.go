// Package paxos is the Multi-Paxos synod engine, membership protocol, and
// recovery machinery. It operates on *session.PaxosSession from inside the
// owning session.Actor's single goroutine; none of its functions are safe
// to call concurrently with each other against the same session.
package paxos

import (
	"github.com/go-kit/kit/log"

	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// Transport is everything the engine needs from the network layer: sending
// to every known acceptor, sending to one, and requesting an outbound
// connect whose result arrives later as a continuation. Implemented by
// network.ConnectionManager; kept as an interface here so paxos never
// imports network (network imports paxos).
type Transport interface {
	// Broadcast sends hdr/payload to every acceptor in s.AList with a live
	// connection. Broadcasts never loop back to self over the wire; the
	// caller accounts for its own vote or reply directly.
	Broadcast(s *session.PaxosSession, hdr wire.Header, payload interface{})
	// Unicast sends hdr/payload to one acceptor by paxid, if a live
	// connection exists; a no-op otherwise.
	Unicast(s *session.PaxosSession, target ids.PaxId, hdr wire.Header, payload interface{})
	// Connect requests an outbound connection to the given acceptor's
	// descriptor bytes, within sessionID. done is invoked exactly once,
	// from within the owning session's actor goroutine, so it may mutate
	// session state directly. A Connect for a target that
	// already holds a live connection completes immediately with ok=true.
	Connect(sessionID ids.UuidT, paxid ids.PaxId, desc []byte, done func(ok bool))
}

// Callbacks are the client-facing learn and lifecycle hooks.
type Callbacks struct {
	LearnChat func(payload []byte, originDesc []byte)
	LearnJoin func(desc []byte)
	LearnPart func(desc []byte)
	Leave     func()
}

// Engine ties a Transport and a set of client Callbacks to the protocol
// logic. It holds no per-session state of its own; all mutable state
// lives in the *session.PaxosSession each call receives explicitly.
type Engine struct {
	Transport Transport
	Callbacks Callbacks
	Logger    log.Logger
	Metrics   Metrics
}

// Metrics is the subset of the stats package the engine drives; an
// interface here so paxos never imports stats.
type Metrics interface {
	PrepareStarted()
	InstanceCommitted()
	RedirectSent()
	LearnDelivered()
	SetLiveAcceptors(n int)
	SetInstanceBacklog(n int)
}

// NopMetrics discards every observation; used where no registry is wired.
type NopMetrics struct{}

func (NopMetrics) PrepareStarted()        {}
func (NopMetrics) InstanceCommitted()     {}
func (NopMetrics) RedirectSent()          {}
func (NopMetrics) LearnDelivered()        {}
func (NopMetrics) SetLiveAcceptors(int)   {}
func (NopMetrics) SetInstanceBacklog(int) {}

// HandleInbound is a session.Handler: the dispatch entry point. It
// resolves the role (proposer vs acceptor) from the session's own belief
// and routes to that role's handler table. An opcode with no handler for
// the current role is a protocol-inconsistency condition: it is logged
// and answered with REDIRECT, and is never fatal to the session.
func (e *Engine) HandleInbound(s *session.PaxosSession, in session.Inbound) {
	defer e.publishGauges(s)
	hdr := in.Header
	if s.IsProposer() {
		if h, ok := proposerTable[hdr.Opcode]; ok {
			h(e, s, in)
			return
		}
		e.protocolViolation(s, in, "opcode not valid for proposer role")
		return
	}
	if h, ok := acceptorTable[hdr.Opcode]; ok {
		h(e, s, in)
		return
	}
	e.protocolViolation(s, in, "opcode not valid for acceptor role")
}

func (e *Engine) publishGauges(s *session.PaxosSession) {
	backlog := 0
	s.IList.ForEach(func(inst session.Instance) {
		if inst.Committed && !inst.Learned {
			backlog++
		}
	})
	e.Metrics.SetLiveAcceptors(s.LiveCount)
	e.Metrics.SetInstanceBacklog(backlog)
}

func (e *Engine) protocolViolation(s *session.PaxosSession, in session.Inbound, reason string) {
	if e.Logger != nil {
		e.Logger.Log("msg", "protocol violation", "reason", reason, "opcode", in.Header.Opcode.String(), "session", s.SessionId.String())
	}
	e.sendRedirect(s, in.From, in.Header)
}

type handlerFunc func(e *Engine, s *session.PaxosSession, in session.Inbound)

var proposerTable map[wire.Opcode]handlerFunc
var acceptorTable map[wire.Opcode]handlerFunc

func init() {
	proposerTable = map[wire.Opcode]handlerFunc{
		wire.OpPromise:  (*Engine).onPromise,
		wire.OpAccept:   (*Engine).onAccept,
		wire.OpRedirect: (*Engine).onProposerRedirect,
		wire.OpReject:   (*Engine).onProposerReject,
		wire.OpRequest:  (*Engine).onProposerRequest,
		wire.OpRetrieve: (*Engine).onRetrieve,
		wire.OpResend:   (*Engine).onResend,
		wire.OpHello:    (*Engine).onHello,
		wire.OpRetry:    (*Engine).onRetry,
		wire.OpLast:     (*Engine).onLast,
	}
	acceptorTable = map[wire.Opcode]handlerFunc{
		wire.OpPrepare:  (*Engine).onPrepare,
		wire.OpDecree:   (*Engine).onDecree,
		wire.OpCommit:   (*Engine).onCommit,
		wire.OpWelcome:  (*Engine).onWelcome,
		wire.OpHello:    (*Engine).onHello,
		wire.OpRequest:  (*Engine).onAcceptorRequest,
		wire.OpRetrieve: (*Engine).onRetrieve,
		wire.OpResend:   (*Engine).onResend,
		wire.OpRefuse:   (*Engine).onRefuse,
		wire.OpRecommit: (*Engine).onRecommit,
		wire.OpSync:     (*Engine).onSync,
		wire.OpTruncate: (*Engine).onTruncate,
	}
}
