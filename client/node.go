// Package client is the application-facing surface of the module: it owns
// the lifecycle of sessions hosted by this process, wires each one's actor,
// engine, and transport together, and exposes the small API a chat frontend
// drives: found a session, invite a participant, send a message, leave.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"quorumchat.io/core"
	"quorumchat.io/core/ids"
	"quorumchat.io/core/network"
	"quorumchat.io/core/paxos"
	"quorumchat.io/core/session"
	"quorumchat.io/core/wire"
)

var (
	// ErrBadKind is returned by Request for any decree kind other than
	// CHAT or JOIN; membership removal goes through End, not Request.
	ErrBadKind = errors.New("client: request kind must be CHAT or JOIN")
	// ErrSessionEnded is returned once a session has been torn down.
	ErrSessionEnded = errors.New("client: session has ended")
)

// LearnTable carries the application's delivery callbacks. Each fires on
// the session's own goroutine, in commit order, exactly once per slot.
type LearnTable struct {
	Chat func(payload []byte, originDesc []byte)
	Join func(desc []byte)
	Part func(desc []byte)
}

// Node hosts every session this process participates in. The zero value is
// not usable; construct with NewNode.
type Node struct {
	logger       log.Logger
	cm           *network.ConnectionManager
	learn        LearnTable
	enter        func(*Session) interface{}
	leave        func(interface{})
	selfDesc     []byte
	syncInterval time.Duration
	metrics      paxos.Metrics

	mu       sync.Mutex
	sessions map[ids.UuidT]*Session
}

// Session is the client-side handle to one hosted chat session.
type Session struct {
	Id ids.UuidT

	node   *Node
	actor  *session.Actor
	engine *paxos.Engine
	cookie interface{}

	mu       sync.Mutex
	ended    bool
	syncStop chan struct{}
}

// NewNode wires a Node. enter is invoked once per session as it becomes
// usable and its return value is handed back to leave when the session is
// destroyed. metrics may be nil.
func NewNode(cm *network.ConnectionManager, learn LearnTable, enter func(*Session) interface{}, leave func(interface{}), selfDesc []byte, syncInterval time.Duration, metrics paxos.Metrics, logger log.Logger) *Node {
	if metrics == nil {
		metrics = paxos.NopMetrics{}
	}
	n := &Node{
		logger:       logger,
		cm:           cm,
		learn:        learn,
		enter:        enter,
		leave:        leave,
		selfDesc:     selfDesc,
		syncInterval: syncInterval,
		metrics:      metrics,
		sessions:     make(map[ids.UuidT]*Session),
	}
	cm.SetWelcomeHandler(n.welcomeUnknownSession)
	return n
}

// Start founds a brand-new session with this process as its first and only
// acceptor. The founder is immediately its own proposer and majority, so
// requests submitted right away commit without waiting on anyone.
func (n *Node) Start() *Session {
	sess := n.newSession(ids.NewSessionID())
	sess.actor.WithSession(func(s *session.PaxosSession) {
		s.SelfId = 1
		s.Proposer = 1
		s.AList.Insert(session.Acceptor{PaxId: 1, Desc: n.selfDesc, Live: true})
		s.LiveCount = 1
		// The founder's own JOIN occupies instance 1, so that every
		// acceptor's paxid equals the inum of its JOIN decree; the first
		// invitee's JOIN lands at inum 2 and paxid 2.
		s.IList.Insert(session.Instance{
			Header:    wire.Header{Session: s.SessionId, Ballot: ids.Ballot{Id: 1, Gen: 0}, Opcode: wire.OpCommit, Inum: 1},
			Committed: true,
			Cached:    true,
			Learned:   true,
			Value:     wire.Value{Kind: wire.KindJoin, ReqId: s.NextReqId()},
		})
		s.IHole = 2
		sess.engine.StartPrepare(s)
	})
	return sess
}

// End leaves sess voluntarily. The PART decree must commit before the leave
// callback fires, so teardown is asynchronous; the handle rejects further
// requests immediately.
func (n *Node) End(sess *Session) {
	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		return
	}
	sess.ended = true
	sess.mu.Unlock()
	sess.actor.WithSession(func(s *session.PaxosSession) {
		sess.engine.SubmitPart(s, false, ids.Unassigned)
	})
}

// Request submits a CHAT payload or a JOIN invitation (payload = the
// invitee's descriptor) to sess.
func (n *Node) Request(sess *Session, kind wire.DecreeKind, payload []byte) error {
	if kind != wire.KindChat && kind != wire.KindJoin {
		return ErrBadKind
	}
	sess.mu.Lock()
	ended := sess.ended
	sess.mu.Unlock()
	if ended {
		return ErrSessionEnded
	}
	sess.actor.WithSession(func(s *session.PaxosSession) {
		sess.engine.SubmitRequest(s, kind, payload)
	})
	return nil
}

// RegisterConnection hands the node an inbound connection accepted by the
// host listener. Frames route themselves to a session by header; a WELCOME
// for an unknown session bootstraps a new one.
func (n *Node) RegisterConnection(conn net.Conn) {
	n.cm.Accept(conn)
}

// Sessions returns the handles of every session currently hosted.
func (n *Node) Sessions() []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// StatusDump writes a diagnostic tree for every hosted session.
func (n *Node) StatusDump(w io.Writer) {
	sc := core.NewStatusConsumer(w)
	for _, sess := range n.Sessions() {
		sess.actor.WithSession(func(s *session.PaxosSession) {
			sc.Emit(fmt.Sprintf("session %v self=%v proposer=%v ballot=%v", s.SessionId, s.SelfId, s.Proposer, s.Ballot))
			child := sc.Fork()
			child.Emit(fmt.Sprintf("acceptors=%d live=%d", s.AList.Len(), s.LiveCount))
			child.Emit(fmt.Sprintf("ibase=%d ihole=%d instances=%d requests=%d", s.IBase, s.IHole, s.IList.Len(), s.RCache.Len()))
			child.Join()
		})
	}
}

// newSession builds the engine/actor pair for uuid, registers it with the
// connection manager, and starts its periodic sync ticker.
func (n *Node) newSession(uuid ids.UuidT) *Session {
	ps := session.NewPaxosSession(uuid, ids.Unassigned)
	sess := &Session{
		Id:       uuid,
		node:     n,
		syncStop: make(chan struct{}),
	}
	engine := &paxos.Engine{
		Transport: n.cm,
		Logger:    log.With(n.logger, "session", uuid.String()),
		Metrics:   n.metrics,
		Callbacks: paxos.Callbacks{
			LearnChat: n.learn.Chat,
			LearnJoin: n.learn.Join,
			LearnPart: n.learn.Part,
			Leave:     func() { n.sessionDestroyed(sess) },
		},
	}
	sess.engine = engine
	sess.actor = session.NewActor(ps, engine.HandleInbound, log.With(n.logger, "session", uuid.String()))
	n.cm.Register(uuid, sess.actor, engine.ConnectionLost)

	n.mu.Lock()
	n.sessions[uuid] = sess
	n.mu.Unlock()

	if n.enter != nil {
		sess.cookie = n.enter(sess)
	}
	if n.syncInterval > 0 {
		go sess.syncLoop(n.syncInterval)
	}
	return sess
}

// welcomeUnknownSession bootstraps a blank local session for an inbound
// WELCOME, returning its actor so the frame can populate it.
func (n *Node) welcomeUnknownSession(hdr wire.Header) *session.Actor {
	sess := n.newSession(hdr.Session)
	return sess.actor
}

// sessionDestroyed fires from inside the session's actor when our own PART
// or KILL commits. Teardown of the actor itself happens off-goroutine, since
// an actor cannot wait for its own shutdown.
func (n *Node) sessionDestroyed(sess *Session) {
	sess.mu.Lock()
	sess.ended = true
	select {
	case <-sess.syncStop:
	default:
		close(sess.syncStop)
	}
	sess.mu.Unlock()

	n.mu.Lock()
	delete(n.sessions, sess.Id)
	n.mu.Unlock()

	if n.leave != nil {
		n.leave(sess.cookie)
	}
	go func() {
		n.cm.Unregister(sess.Id)
		sess.actor.Shutdown(true)
	}()
}

func (sess *Session) syncLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sess.actor.WithSession(func(s *session.PaxosSession) {
				sess.engine.StartSync(s)
			})
		case <-sess.syncStop:
			return
		}
	}
}
