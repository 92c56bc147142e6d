package paxos

import (
	"quorumchat.io/core/ids"
	"quorumchat.io/core/session"
)

// ContinuationResult is invoked when the host transport reports the
// outcome of an outbound connect previously requested via
// Transport.Connect. It looks up every continuation parked against
// target, removes them, and fires the kind-specific handler.
// Handlers no-op safely if the acceptor has since been parted or a live
// connection has already appeared, since each handler re-checks session
// state rather than trusting the closure's captured values.
func (e *Engine) ContinuationResult(s *session.PaxosSession, target ids.PaxId, ok bool) {
	for _, c := range s.TakeContinuations(target) {
		switch c.Kind {
		case session.ContWelcome:
			e.continueWelcome(s, target, ok)
		case session.ContAckWelcome:
			e.continueAckWelcome(s, target, ok)
		case session.ContAckRedirect:
			e.continueAckRedirect(s, target, ok)
		case session.ContAckReject:
			e.continueAckReject(s, target, c.Inum, ok)
		case session.ContAckRefuse:
			e.continueAckRefuse(s, target, ok)
		}
	}
}
