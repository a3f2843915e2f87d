// Package peer implements the shared connection/codec plumbing that both the
// client side (mini-rpc/transport.ClientPeer) and the server side
// (mini-rpc/server.ServerPeer) build on: it owns the net.Conn, drives the
// codec against incoming bytes, and dispatches decoded (message, channel)
// pairs to a polymorphic handler exactly once in wire order.
//
// ClientPeer and ServerPeer are composed over this type rather than written
// as subclasses of it — Go has no inheritance, and the two concrete peers
// need genuinely different dispatch behavior, so Peer takes a MessageHandler
// and calls back into it instead of being extended.
package peer

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/protocol"
	"mini-rpc/rpclog"
)

// State is the lifecycle of a Peer: open -> closing -> closed, terminal at closed.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// MessageHandler is the polymorphic hook a concrete peer (ClientPeer, ServerPeer)
// implements. HandleMessage is invoked exactly once per decoded frame, in decode
// order. HandleClosed is invoked exactly once when the underlying connection closes,
// for any reason (local Close, remote EOF, or a fatal decode error).
type MessageHandler interface {
	HandleMessage(msg *message.RPCMessage, channel int32)
	HandleClosed(cause error)
}

// Peer drives one net.Conn for one MessageHandler.
type Peer struct {
	conn  net.Conn
	codec codec.Codec
	log   rpclog.Logger

	writeMu sync.Mutex
	state   atomic.Int32

	closeOnce sync.Once
	handler   MessageHandler

	onClosedMu sync.Mutex
	onClosed   []func(error)
}

// New starts the read pump immediately and returns the Peer. handler must be
// ready to receive callbacks as soon as New returns.
func New(conn net.Conn, cdc codec.Codec, handler MessageHandler, logger rpclog.Logger) *Peer {
	if logger == nil {
		logger = rpclog.Default
	}
	p := &Peer{conn: conn, codec: cdc, handler: handler, log: logger}
	p.state.Store(int32(StateOpen))
	go p.readLoop()
	return p
}

// readLoop is the single reader of conn: reads must be sequential to parse frame
// boundaries, so exactly one goroutine ever calls protocol.Decode on this conn.
func (p *Peer) readLoop() {
	var cause error
	for {
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			cause = err
			break
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var msg message.RPCMessage
		channel, err := p.codec.Decode(body, &msg)
		if err != nil {
			// Decode errors are fatal to the peer: the codec's framing state may
			// now be corrupt, so there is no safe way to keep reading frames.
			cause = err
			break
		}
		p.handler.HandleMessage(&msg, channel)
	}
	p.close(cause)
}

func (p *Peer) close(cause error) {
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosed))
		p.conn.Close()
		p.handler.HandleClosed(cause)
	})
}

// Close initiates shutdown. Idempotent.
func (p *Peer) Close() error {
	p.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	p.close(nil)
	return nil
}

// OnClosed registers a callback fired once when the peer closes. Multiple callbacks
// are invoked in registration order. Concrete peers are responsible for calling
// FireClosed from their HandleClosed override — it is not automatic, so that the
// promise/call-failing work can run first.
func (p *Peer) OnClosed(cb func(error)) {
	p.onClosedMu.Lock()
	p.onClosed = append(p.onClosed, cb)
	p.onClosedMu.Unlock()
}

// FireClosed invokes every registered OnClosed callback, in registration order.
func (p *Peer) FireClosed(cause error) {
	p.onClosedMu.Lock()
	cbs := make([]func(error), len(p.onClosed))
	copy(cbs, p.onClosed)
	p.onClosedMu.Unlock()

	for _, cb := range cbs {
		cb(cause)
	}
}

// Write serializes msgType+body into a frame and writes it, under a per-connection
// lock so concurrent writers (multiple in-flight requests, or multiple goroutines
// answering distinct channels on the server) never interleave bytes.
func (p *Peer) Write(msgType protocol.MsgType, body []byte) error {
	header := &protocol.Header{
		CodecType: byte(p.codec.Type()),
		MsgType:   msgType,
		BodyLen:   uint32(len(body)),
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return protocol.Encode(p.conn, header, body)
}

// Codec exposes the peer's codec so ClientPeer/ServerPeer can encode without
// duplicating a reference.
func (p *Peer) Codec() codec.Codec {
	return p.codec
}

// State reports the current lifecycle state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

// Host returns the remote host this peer is connected to.
func (p *Peer) Host() string {
	host, _, err := net.SplitHostPort(p.conn.RemoteAddr().String())
	if err != nil {
		return p.conn.RemoteAddr().String()
	}
	return host
}

// Port returns the remote port this peer is connected to.
func (p *Peer) Port() int {
	_, port, err := net.SplitHostPort(p.conn.RemoteAddr().String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
