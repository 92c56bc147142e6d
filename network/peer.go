// Package network is the connection registry binding peerio sockets to
// paxos sessions: it dials and accepts peer connections, decodes each
// frame's payload into the concrete type its opcode calls for, delivers
// the result to the owning session.Actor, and answers paxos.Transport's
// broadcast/unicast/connect calls from its own registry of live peers.
package network

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"quorumchat.io/core"
	"quorumchat.io/core/ids"
	"quorumchat.io/core/paxos"
	"quorumchat.io/core/peerio"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

// Peer adapts a peerio.Peer into a session.PeerHandle, remembering the
// remote acceptor's paxid once it is known. For an inbound connection the
// paxid is unknown until the first HELLO or WELCOME frame identifies the
// sender.
type Peer struct {
	io *peerio.Peer

	mu    sync.RWMutex
	paxid ids.PaxId
	known bool
	addr  string
}

func (p *Peer) Send(hdr wire.Header, payload interface{}) error {
	if p.io == nil {
		return fmt.Errorf("network: peer %s has no live socket", p.addr)
	}
	return p.io.Send(hdr, payload)
}

// RemotePaxId implements session.PeerHandle.
func (p *Peer) RemotePaxId() (uint32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return uint32(p.paxid), p.known
}

func (p *Peer) setPaxId(id ids.PaxId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paxid = id
	p.known = true
}

func (p *Peer) Close() {
	if p.io != nil {
		p.io.Close()
	}
}

// DropHandler is invoked from within the owning session's actor goroutine
// when a registered peer's connection dies.
type DropHandler func(s *session.PaxosSession, paxid ids.PaxId)

// WelcomeHandler is invoked when a WELCOME frame arrives for a session this
// process has never heard of: the application creates a blank session and
// returns its actor so the frame can bootstrap it. Returning nil drops the
// frame.
type WelcomeHandler func(hdr wire.Header) *session.Actor

// ConnectionManager is the registry of live peer connections for every
// session this process hosts. One ConnectionManager serves every session;
// sessions are distinguished by ids.UuidT, acceptors within a session by
// ids.PaxId.
type ConnectionManager struct {
	logger log.Logger
	rng    *rand.Rand

	mu        sync.RWMutex
	sessions  map[ids.UuidT]*sessionEntry
	onWelcome WelcomeHandler
}

type sessionEntry struct {
	actor  *session.Actor
	onDrop DropHandler

	mu    sync.Mutex
	peers map[ids.PaxId]*Peer
	// pending tracks in-flight dials per target, so a second Connect to
	// the same acceptor while one is outstanding rides the first instead
	// of opening a duplicate socket.
	pending map[ids.PaxId][]func(bool)
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(logger log.Logger) *ConnectionManager {
	return &ConnectionManager{
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions: make(map[ids.UuidT]*sessionEntry),
	}
}

// SetWelcomeHandler installs the hook that bootstraps a local session when
// a WELCOME arrives for an unknown session uuid.
func (cm *ConnectionManager) SetWelcomeHandler(h WelcomeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onWelcome = h
}

// Register binds a session's actor to this manager so inbound frames
// addressed to its session uuid can be delivered, and so Broadcast/Unicast
// can find its live peers. onDrop fires, inside the actor, whenever one of
// the session's peers disconnects.
func (cm *ConnectionManager) Register(sessionID ids.UuidT, actor *session.Actor, onDrop DropHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sessions[sessionID] = &sessionEntry{
		actor:   actor,
		onDrop:  onDrop,
		peers:   make(map[ids.PaxId]*Peer),
		pending: make(map[ids.PaxId][]func(bool)),
	}
}

// Unregister drops a session entirely, closing every live peer connection.
func (cm *ConnectionManager) Unregister(sessionID ids.UuidT) {
	cm.mu.Lock()
	se, ok := cm.sessions[sessionID]
	delete(cm.sessions, sessionID)
	cm.mu.Unlock()
	if !ok {
		return
	}
	se.mu.Lock()
	for _, p := range se.peers {
		p.Close()
	}
	se.peers = make(map[ids.PaxId]*Peer)
	se.mu.Unlock()
}

func (cm *ConnectionManager) entry(sessionID ids.UuidT) (*sessionEntry, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	se, ok := cm.sessions[sessionID]
	return se, ok
}

// Broadcast implements paxos.Transport.
func (cm *ConnectionManager) Broadcast(s *session.PaxosSession, hdr wire.Header, payload interface{}) {
	se, ok := cm.entry(s.SessionId)
	if !ok {
		return
	}
	se.mu.Lock()
	peers := make([]*Peer, 0, len(se.peers))
	for _, p := range se.peers {
		peers = append(peers, p)
	}
	se.mu.Unlock()
	for _, p := range peers {
		if err := p.Send(hdr, payload); err != nil && cm.logger != nil {
			cm.logger.Log("msg", "broadcast send failed", "error", err)
		}
	}
}

// Unicast implements paxos.Transport.
func (cm *ConnectionManager) Unicast(s *session.PaxosSession, target ids.PaxId, hdr wire.Header, payload interface{}) {
	se, ok := cm.entry(s.SessionId)
	if !ok {
		return
	}
	se.mu.Lock()
	p, ok := se.peers[target]
	se.mu.Unlock()
	if !ok {
		return
	}
	if err := p.Send(hdr, payload); err != nil && cm.logger != nil {
		cm.logger.Log("msg", "unicast send failed", "target", target.String(), "error", err)
	}
}

// Connect implements paxos.Transport: dial desc (a host:port descriptor)
// with binary backoff, registering the resulting connection under target's
// paxid on success. done is invoked exactly once, from within the session
// actor's goroutine. A target that already holds a live connection
// completes immediately with ok=true; a dial already in flight to the same
// target absorbs this request rather than opening a second socket.
func (cm *ConnectionManager) Connect(sessionID ids.UuidT, target ids.PaxId, desc []byte, done func(ok bool)) {
	se, ok := cm.entry(sessionID)
	if !ok {
		done(false)
		return
	}
	addr := string(desc)
	if addr == "" {
		done(false)
		return
	}
	se.mu.Lock()
	if _, live := se.peers[target]; live {
		se.mu.Unlock()
		done(true)
		return
	}
	if waiters, inflight := se.pending[target]; inflight {
		se.pending[target] = append(waiters, done)
		se.mu.Unlock()
		return
	}
	se.pending[target] = []func(bool){done}
	se.mu.Unlock()
	go cm.dialWithBackoff(sessionID, se, target, addr)
}

func (cm *ConnectionManager) dialWithBackoff(sessionID ids.UuidT, se *sessionEntry, target ids.PaxId, addr string) {
	backoff := core.NewBinaryBackoffEngine(cm.rng, core.ReconnectBackoffMin, core.ReconnectBackoffMax)
	const maxAttempts = 6
	outcome := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			var p *Peer
			p = &Peer{paxid: target, known: target.Valid(), addr: addr}
			p.io = peerio.NewPeer(conn, func(hdr wire.Header, hasPayload bool, dec *peerio.PayloadDecoder) {
				cm.dispatch(p, hdr, hasPayload, dec)
			}, func(err error) {
				cm.peerClosed(p, err)
			})
			se.mu.Lock()
			held, collided := se.peers[target]
			if !collided {
				se.peers[target] = p
			}
			se.mu.Unlock()
			if collided && held != p {
				// The target connected to us inbound while we were
				// dialing out; keep the established peer, drop ours.
				p.Close()
			}
			outcome = true
			break
		}
		if cm.logger != nil {
			cm.logger.Log("msg", "dial failed", "target", target.String(), "addr", addr, "attempt", attempt, "error", err)
		}
		delay := backoff.Advance()
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	se.mu.Lock()
	waiters := se.pending[target]
	delete(se.pending, target)
	se.mu.Unlock()
	se.actor.WithSession(func(*session.PaxosSession) {
		for _, w := range waiters {
			w(outcome)
		}
	})
}

// RegisterPeer installs an already-established connection (inbound or
// dialed) under target's paxid within sessionID.
func (cm *ConnectionManager) RegisterPeer(sessionID ids.UuidT, target ids.PaxId, p *Peer) {
	se, ok := cm.entry(sessionID)
	if !ok {
		return
	}
	se.mu.Lock()
	se.peers[target] = p
	se.mu.Unlock()
}

// Accept wraps an inbound net.Conn as a Peer. The session it belongs to is
// not known until the first frame arrives, so frames are routed by their
// own header's session uuid.
func (cm *ConnectionManager) Accept(conn net.Conn) *Peer {
	var p *Peer
	p = &Peer{addr: conn.RemoteAddr().String()}
	p.io = peerio.NewPeer(conn, func(hdr wire.Header, hasPayload bool, dec *peerio.PayloadDecoder) {
		cm.dispatch(p, hdr, hasPayload, dec)
	}, func(err error) {
		cm.peerClosed(p, err)
	})
	return p
}

// peerClosed removes p from whichever session holds it and notifies that
// session's drop handler from inside its actor.
func (cm *ConnectionManager) peerClosed(p *Peer, err error) {
	if cm.logger != nil {
		cm.logger.Log("msg", "peer closed", "addr", p.addr, "error", err)
	}
	cm.mu.RLock()
	entries := make([]*sessionEntry, 0, len(cm.sessions))
	for _, se := range cm.sessions {
		entries = append(entries, se)
	}
	cm.mu.RUnlock()
	for _, se := range entries {
		var dropped ids.PaxId
		found := false
		se.mu.Lock()
		for paxid, held := range se.peers {
			if held == p {
				delete(se.peers, paxid)
				dropped = paxid
				found = true
				break
			}
		}
		se.mu.Unlock()
		if found && se.onDrop != nil {
			se.actor.WithSession(func(s *session.PaxosSession) {
				se.onDrop(s, dropped)
			})
		}
	}
}

// dispatch decodes a frame's payload per its opcode and hands it to the
// session actor the frame's header names. An unbound inbound peer is bound
// to its sender's paxid the moment a HELLO (sender id in hdr.Inum) or
// WELCOME (sender is the proposer, hdr.Ballot.Id) identifies it.
func (cm *ConnectionManager) dispatch(from *Peer, hdr wire.Header, hasPayload bool, dec *peerio.PayloadDecoder) {
	se, ok := cm.entry(hdr.Session)
	if !ok {
		if hdr.Opcode == wire.OpWelcome {
			cm.mu.RLock()
			h := cm.onWelcome
			cm.mu.RUnlock()
			if h != nil {
				if actor := h(hdr); actor != nil {
					se, ok = cm.entry(hdr.Session)
				}
			}
		}
		if !ok {
			if cm.logger != nil {
				cm.logger.Log("msg", "frame for unknown session dropped", "session", hdr.Session.String(), "opcode", hdr.Opcode.String())
			}
			return
		}
	}

	payload, err := decodePayload(hdr.Opcode, hasPayload, dec)
	if err != nil {
		if cm.logger != nil {
			cm.logger.Log("msg", "payload decode failed", "opcode", hdr.Opcode.String(), "error", err)
		}
		return
	}

	if !from.known {
		var sender ids.PaxId
		switch hdr.Opcode {
		case wire.OpHello:
			sender = ids.PaxId(hdr.Inum)
		case wire.OpWelcome:
			sender = hdr.Ballot.Id
		}
		if sender.Valid() {
			from.setPaxId(sender)
			se.mu.Lock()
			held, collided := se.peers[sender]
			if !collided {
				se.peers[sender] = from
			}
			se.mu.Unlock()
			if collided && held != from {
				// Concurrent reconnect: both sides dialed each other and
				// this frame arrived on the second connection to bind.
				// The established peer wins; close the newcomer so both
				// acceptors converge on a single connection. The frame
				// itself still dispatches (a duplicate hello is a no-op
				// in the session).
				from.Close()
			}
		}
	}

	se.actor.Deliver(session.Inbound{From: from, Header: hdr, Payload: payload})
}

// decodePayload maps each opcode to the one concrete payload type it
// carries, so every handler in package paxos sees a typed payload instead
// of a bare decoder.
func decodePayload(op wire.Opcode, hasPayload bool, dec *peerio.PayloadDecoder) (interface{}, error) {
	if !hasPayload {
		return nil, nil
	}
	switch op {
	case wire.OpPromise:
		var v []wire.Instance
		err := dec.Decode(&v)
		return v, err
	case wire.OpDecree, wire.OpCommit, wire.OpRecommit:
		var v wire.Value
		err := dec.Decode(&v)
		return v, err
	case wire.OpWelcome:
		var v wire.WelcomePayload
		err := dec.Decode(&v)
		return v, err
	case wire.OpRequest, wire.OpResend:
		var v wire.Request
		err := dec.Decode(&v)
		return v, err
	case wire.OpRetrieve:
		var v wire.RetrievePayload
		err := dec.Decode(&v)
		return v, err
	case wire.OpRedirect:
		var v wire.Header
		err := dec.Decode(&v)
		return v, err
	case wire.OpRefuse:
		var v wire.RefusePayload
		err := dec.Decode(&v)
		return v, err
	case wire.OpLast, wire.OpTruncate:
		var v uint32
		err := dec.Decode(&v)
		return v, err
	default:
		return nil, fmt.Errorf("network: opcode %v carries no decodable payload", op)
	}
}

var _ paxos.Transport = (*ConnectionManager)(nil)
var _ session.PeerHandle = (*Peer)(nil)
