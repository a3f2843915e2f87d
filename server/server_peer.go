package server

import (
	"context"
	"fmt"
	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/middleware"
	"mini-rpc/peer"
	"mini-rpc/protocol"
	"mini-rpc/rpclog"
	"net"
	"sync"
)

// ServerPeer is the server-side half of the channel-multiplexing engine: for
// every decoded (message, channel) it runs the middleware-wrapped handler and
// writes the encoded response back on the same channel. Distinct channels are
// handled concurrently; peer.Peer's write lock keeps their responses from
// interleaving on the wire.
type ServerPeer struct {
	peer    *peer.Peer
	handler middleware.HandlerFunc
	wg      *sync.WaitGroup
	log     rpclog.Logger
}

func newServerPeer(conn net.Conn, cdc codec.Codec, handler middleware.HandlerFunc, wg *sync.WaitGroup, logger rpclog.Logger) *ServerPeer {
	if logger == nil {
		logger = rpclog.Default
	}
	sp := &ServerPeer{handler: handler, wg: wg, log: logger}
	sp.peer = peer.New(conn, cdc, sp, logger)
	return sp
}

// Host delegates to the underlying connection.
func (sp *ServerPeer) Host() string { return sp.peer.Host() }

// Port delegates to the underlying connection.
func (sp *ServerPeer) Port() int { return sp.peer.Port() }

// OnClosed registers a callback fired once when this peer closes.
func (sp *ServerPeer) OnClosed(cb func(error)) { sp.peer.OnClosed(cb) }

// Close initiates shutdown. Idempotent.
func (sp *ServerPeer) Close() error { return sp.peer.Close() }

// HandleMessage implements peer.MessageHandler. Every request runs in its own
// goroutine so a slow handler on one channel never blocks the others.
func (sp *ServerPeer) HandleMessage(msg *message.RPCMessage, channel int32) {
	sp.wg.Add(1)
	go sp.handleRequest(msg, channel)
}

func (sp *ServerPeer) handleRequest(msg *message.RPCMessage, channel int32) {
	defer sp.wg.Done()

	var resp *message.RPCMessage
	func() {
		defer func() {
			if r := recover(); r != nil {
				sp.log.Printf("mini-rpc: panic handling %s on channel %d: %v", msg.ServiceMethod, channel, r)
				resp = &message.RPCMessage{ServiceMethod: msg.ServiceMethod, Error: fmt.Sprintf("panic: %v", r)}
			}
		}()
		resp = sp.handler(context.Background(), msg)
	}()

	sp.respond(resp, channel)
}

func (sp *ServerPeer) respond(resp *message.RPCMessage, channel int32) {
	data, err := sp.peer.Codec().Encode(resp, channel)
	if err != nil {
		sp.log.Printf("mini-rpc: encoding response on channel %d: %v", channel, err)
		return
	}
	if err := sp.peer.Write(protocol.MsgTypeResponse, data); err != nil {
		sp.log.Printf("mini-rpc: writing response on channel %d: %v", channel, err)
	}
}

// HandleClosed implements peer.MessageHandler. The server keeps no per-channel
// state worth failing on close (spec §4.4's application-level responsibility to
// always respond means a channel that never got an answer is the client's
// problem, not the server's); it only needs to fan the closure out.
func (sp *ServerPeer) HandleClosed(cause error) {
	sp.peer.FireClosed(cause)
}
