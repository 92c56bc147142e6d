// Package peerio is the framed peer transport: each wire frame is a
// 4-byte big-endian length prefix followed by a msgpack-encoded [header]
// or [header, payload] array. Each connection runs a dedicated reader
// goroutine pushing decoded messages into the owning actor and a
// dedicated writer loop draining a send channel. The explicit length
// prefix exists because msgpack.NewDecoder on a bare net.Conn cannot
// know where one frame ends and the next begins.
package peerio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"quorumchat.io/core/wire"
)

const maxFrameLen = 16 << 20

// OnFrame is invoked once per decoded frame, with the header and a decoder
// positioned to read the payload if hasPayload is true. It is called from
// the peer's private reader goroutine, so implementations must not block
// and must hand off to the owning actor (session.Actor.enqueueQuery) rather
// than mutate shared state directly.
type OnFrame func(hdr wire.Header, hasPayload bool, dec *PayloadDecoder)

// OnClose is invoked exactly once when the peer's connection is lost,
// whether by read error, write error, or an explicit Close call.
type OnClose func(err error)

// PayloadDecoder holds a frame's raw bytes and decodes its payload element
// on demand, so callers decode into the concrete type their dispatch table
// picks from hdr.Opcode.
type PayloadDecoder struct {
	raw []byte
}

// Decode unmarshals the frame's payload into dst.
func (pd *PayloadDecoder) Decode(dst interface{}) error {
	_, _, dec, err := wire.DecodeHeader(pd.raw)
	if err != nil {
		return err
	}
	return wire.DecodePayload(dec, dst)
}

// Peer wraps one TCP connection to a remote acceptor or a not-yet-welcomed
// client, running a dedicated reader goroutine and a dedicated writer
// goroutine so that Send never blocks the caller on slow-peer I/O.
type Peer struct {
	conn    net.Conn
	out     chan []byte
	onClose OnClose

	closeOnce sync.Once
	failOnce  sync.Once
	closed    chan struct{}
}

// NewPeer starts a peer's reader and writer goroutines. onFrame is called
// synchronously from the reader goroutine for every decoded frame; onClose
// fires once, from whichever goroutine (or caller) first observes the
// connection is dead.
func NewPeer(conn net.Conn, onFrame OnFrame, onClose OnClose) *Peer {
	p := &Peer{
		conn:    conn,
		out:     make(chan []byte, 64),
		onClose: onClose,
		closed:  make(chan struct{}),
	}
	go p.readLoop(onFrame)
	go p.writeLoop()
	return p
}

// Send encodes hdr/payload as a frame and queues it for the writer
// goroutine. It does not block on network I/O; if the peer has already
// been closed, Send is a silent no-op.
func (p *Peer) Send(hdr wire.Header, payload interface{}) error {
	raw, err := wire.EncodeFrame(hdr, payload)
	if err != nil {
		return err
	}
	framed := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(raw)))
	copy(framed[4:], raw)
	select {
	case p.out <- framed:
		return nil
	case <-p.closed:
		return nil
	}
}

// Close tears down the peer's connection and both goroutines.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

func (p *Peer) fail(err error) {
	p.Close()
	p.failOnce.Do(func() {
		if p.onClose != nil {
			p.onClose(err)
		}
	})
}

func (p *Peer) readLoop(onFrame OnFrame) {
	r := bufio.NewReader(p.conn)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			p.fail(err)
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxFrameLen {
			p.fail(fmt.Errorf("peerio: frame length %d out of bounds", n))
			return
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			p.fail(err)
			return
		}
		hdr, hasPayload, _, err := wire.DecodeHeader(raw)
		if err != nil {
			p.fail(err)
			return
		}
		onFrame(hdr, hasPayload, &PayloadDecoder{raw: raw})
	}
}

func (p *Peer) writeLoop() {
	w := bufio.NewWriter(p.conn)
	for {
		select {
		case framed, ok := <-p.out:
			if !ok {
				return
			}
			if _, err := w.Write(framed); err != nil {
				p.fail(err)
				return
			}
			if len(p.out) == 0 {
				if err := w.Flush(); err != nil {
					p.fail(err)
					return
				}
			}
		case <-p.closed:
			return
		}
	}
}

// Dial opens an outbound connection to addr and wraps it as a Peer.
func Dial(addr string, onFrame OnFrame, onClose OnClose) (*Peer, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewPeer(conn, onFrame, onClose), nil
}
