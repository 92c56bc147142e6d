package session

import (
	"fmt"

	cc "github.com/msackman/chancell"
	"github.com/go-kit/kit/log"

	"quorumchat.io/core"
	"quorumchat.io/core/wire"
)

// Inbound is one decoded wire frame arriving from a peer, tagged with the
// remote peer the frame arrived on so handlers can reply.
type Inbound struct {
	From    PeerHandle
	Header  wire.Header
	Payload interface{}
}

// PeerHandle is the subset of network.Peer the session actor needs: enough
// to send a reply and to identify who sent what, without session importing
// network (which in turn imports session) and creating a cycle.
type PeerHandle interface {
	Send(hdr wire.Header, payload interface{}) error
	RemotePaxId() (id uint32, known bool)
}

// actorMsg is the sealed message type accepted by the actor's query
// channel.
type actorMsg interface {
	witnessActorMsg()
}

type actorMsgBasic struct{}

func (actorMsgBasic) witnessActorMsg() {}

type msgShutdown struct{ actorMsgBasic }

type msgInbound struct {
	actorMsgBasic
	frame Inbound
}

type msgStatus struct {
	actorMsgBasic
	sc *core.StatusConsumer
}

type msgFunc struct {
	actorMsgBasic
	fn   func(*PaxosSession)
	done chan struct{}
}

// Handler is the callback the owning application supplies to process one
// inbound frame against the session state. It is invoked synchronously
// from the actor's single goroutine, so it is always safe to mutate
// *PaxosSession from within it.
type Handler func(s *PaxosSession, in Inbound)

// Actor serializes all mutation of a PaxosSession behind one goroutine:
// a chancell cell chain feeding a single actorLoop goroutine, so handlers
// run to completion without locks.
type Actor struct {
	Session *PaxosSession
	logger  log.Logger

	handler Handler

	cellTail          *cc.ChanCellTail
	enqueueQueryInner func(actorMsg, *cc.ChanCell, cc.CurCellConsumer) (bool, cc.CurCellConsumer)
	queryChan         <-chan actorMsg
}

// NewActor creates and starts a session actor. handler is called for every
// inbound frame delivered via Deliver.
func NewActor(s *PaxosSession, handler Handler, logger log.Logger) *Actor {
	a := &Actor{Session: s, handler: handler, logger: logger}
	var head *cc.ChanCellHead
	head, a.cellTail = cc.NewChanCellTail(
		func(n int, cell *cc.ChanCell) {
			queryChan := make(chan actorMsg, n)
			cell.Open = func() { a.queryChan = queryChan }
			cell.Close = func() { close(queryChan) }
			a.enqueueQueryInner = func(msg actorMsg, curCell *cc.ChanCell, cont cc.CurCellConsumer) (bool, cc.CurCellConsumer) {
				if curCell == cell {
					select {
					case queryChan <- msg:
						return true, nil
					default:
						return false, nil
					}
				}
				return false, cont
			}
		})
	go a.actorLoop(head)
	return a
}

type queryCapture struct {
	a   *Actor
	msg actorMsg
}

func (qc *queryCapture) ccc(cell *cc.ChanCell) (bool, cc.CurCellConsumer) {
	return qc.a.enqueueQueryInner(qc.msg, cell, qc.ccc)
}

func (a *Actor) enqueueQuery(msg actorMsg) bool {
	qc := &queryCapture{a: a, msg: msg}
	return a.cellTail.WithCell(qc.ccc)
}

// Deliver hands an inbound frame to the actor for processing. It does not
// block on the handler running.
func (a *Actor) Deliver(in Inbound) {
	a.enqueueQuery(msgInbound{frame: in})
}

// WithSession runs fn against the session state from inside the actor
// loop, blocking the caller until fn has completed. Use sparingly; this
// exists for synchronous call sites (e.g. client-facing APIs) that need a
// consistent read or a locally-originated mutation (a CHAT a user typed
// locally) serialized alongside network-driven mutation.
func (a *Actor) WithSession(fn func(*PaxosSession)) {
	done := make(chan struct{})
	if a.enqueueQuery(msgFunc{fn: fn, done: done}) {
		select {
		case <-done:
		case <-a.cellTail.Terminated:
		}
	}
}

// Status dumps a diagnostic tree of the session state.
func (a *Actor) Status(sc *core.StatusConsumer) {
	a.enqueueQuery(msgStatus{sc: sc})
}

// Shutdown stops the actor loop. If wait, the call blocks until the loop
// has fully drained and exited.
func (a *Actor) Shutdown(wait bool) {
	if a.enqueueQuery(msgShutdown{}) && wait {
		a.cellTail.Wait()
	}
}

func (a *Actor) actorLoop(head *cc.ChanCellHead) {
	var (
		queryChan <-chan actorMsg
		queryCell *cc.ChanCell
	)
	chanFun := func(cell *cc.ChanCell) { queryChan, queryCell = a.queryChan, cell }
	head.WithCell(chanFun)

	terminate := false
	for !terminate {
		if msg, ok := <-queryChan; ok {
			switch msgT := msg.(type) {
			case msgShutdown:
				terminate = true
			case msgInbound:
				a.handleInbound(msgT.frame)
			case msgFunc:
				msgT.fn(a.Session)
				close(msgT.done)
			case msgStatus:
				a.status(msgT.sc)
			default:
				a.logger.Log("msg", "actor received unexpected message", "value", fmt.Sprintf("%#v", msgT))
			}
		} else {
			head.Next(queryCell, chanFun)
		}
	}
	a.cellTail.Terminate()
}

func (a *Actor) handleInbound(in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Log("msg", "panic handling inbound frame", "opcode", in.Header.Opcode.String(), "error", r)
		}
	}()
	a.handler(a.Session, in)
}

func (a *Actor) status(sc *core.StatusConsumer) {
	s := a.Session
	sc.Emit(fmt.Sprintf("session %v self=%v proposer=%v ballot=%v", s.SessionId, s.SelfId, s.Proposer, s.Ballot))
	child := sc.Fork()
	child.Emit(fmt.Sprintf("acceptors=%d live=%d ihole=%d ibase=%d", s.AList.Len(), s.LiveCount, s.IHole, s.IBase))
	child.Join()
}
