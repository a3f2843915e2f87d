// Package transport implements the client-side channel-multiplexing engine.
//
// ClientPeer lets many concurrent RPC calls share a single TCP connection. Each
// call is assigned a small integer channel; a background goroutine (owned by
// peer.Peer) continuously decodes frames and routes each one back to the call
// waiting on that channel. When every channel is in use, new calls queue and are
// released in FIFO order as channels free up.
//
//	goroutine-1 ──SendMessage(ch=?)──┐
//	goroutine-2 ──SendMessage(ch=?)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──SendMessage(ch=?)──┘
//
//	peer read pump:  ←── response(ch=1) → channel table[1] ← fulfilled → goroutine-2 wakes up
package transport

import (
	"context"
	"fmt"
	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/peer"
	"mini-rpc/protocol"
	"mini-rpc/rpclog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxChannelSpace = 1 << 15

// queuedEntry is a pending request waiting for a free channel slot.
//
// Exactly one of (raw, encoded) is set, decided once at enqueue time:
//   - raw: the original request, kept for codecs that cannot cheaply rewrite
//     a channel field after encoding (codec.Recoding() == false).
//   - encoded: the request already encoded with codec.ChannelNone, for codecs
//     that can (codec.RecodingCodec) — flushQueue only needs to Recode it.
type queuedEntry struct {
	call    *Call
	raw     any
	encoded []byte
}

// ClientPeer owns the fixed-size channel table and the pending queue for one
// multiplexed connection. All table/queue mutation happens under mu. Encoding,
// writing, and call completion happen outside it, except in flushQueue, which
// holds mu across its encodes and writes to keep the drain in FIFO order.
type ClientPeer struct {
	peer *peer.Peer
	cdc  codec.Codec
	log  rpclog.Logger

	mu    sync.Mutex
	table []*Call
	queue []*queuedEntry

	limiter *rate.Limiter

	heartbeatStop chan struct{}
}

// NewClientPeer wraps conn in a ClientPeer with a channel table of maxChannels
// slots. maxChannels must be in (0, 1<<15]; anything else is a synchronous
// construction error (spec S6).
func NewClientPeer(conn net.Conn, cdc codec.Codec, maxChannels int, logger rpclog.Logger) (*ClientPeer, error) {
	if maxChannels <= 0 || maxChannels > maxChannelSpace {
		return nil, ErrTooManyChannels
	}
	if logger == nil {
		logger = rpclog.Default
	}

	cp := &ClientPeer{
		cdc:           cdc,
		log:           logger,
		table:         make([]*Call, maxChannels),
		heartbeatStop: make(chan struct{}),
	}
	cp.peer = peer.New(conn, cdc, cp, logger)
	go cp.heartbeatLoop(30 * time.Second)
	return cp, nil
}

// Host delegates to the underlying connection.
func (cp *ClientPeer) Host() string { return cp.peer.Host() }

// Port delegates to the underlying connection.
func (cp *ClientPeer) Port() int { return cp.peer.Port() }

// OnClosed registers a callback fired once when this peer closes.
func (cp *ClientPeer) OnClosed(cb func(error)) { cp.peer.OnClosed(cb) }

// Close initiates shutdown. Idempotent: peer.Peer's own closeOnce guards the
// underlying close, so a second call is a no-op rather than a double-close.
func (cp *ClientPeer) Close() error {
	return cp.peer.Close()
}

// SetRateLimiter throttles admission into SendMessage's allocate-or-queue step
// with a token bucket. nil (the default) disables throttling. This shapes how
// fast new calls are accepted onto this peer; it does not touch the channel
// table or pending queue themselves.
func (cp *ClientPeer) SetRateLimiter(l *rate.Limiter) {
	cp.mu.Lock()
	cp.limiter = l
	cp.mu.Unlock()
}

// SendMessage sends req and returns its response, or ErrTimeout, ErrClosed, the
// context's error, or an encode or write error. It is synchronous: it
// allocates-or-queues, writes the request on the calling goroutine when a
// channel is free (blocking for as long as the connection write takes), then
// blocks until the call settles or ctx is done. A queued request is written
// later by flushQueue.
func (cp *ClientPeer) SendMessage(ctx context.Context, req *message.RPCMessage, timeout time.Duration) (*message.RPCMessage, error) {
	cp.mu.Lock()
	limiter := cp.limiter
	cp.mu.Unlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	call := newCall()

	channel, err := cp.allocateOrQueue(call, req)
	if err != nil {
		return nil, err
	}

	if channel != codec.ChannelNone {
		call.Channel = channel
		if err := cp.writeRequest(req, channel); err != nil {
			cp.releaseAndFlush(channel)
			return nil, err
		}
	}

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			// The channel slot is deliberately NOT freed here: the server may still
			// answer this channel later, and that answer must be discarded rather
			// than misattributed to whatever call eventually reuses the slot.
			call.complete(nil, ErrTimeout)
		})
		defer timer.Stop()
	}

	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// allocateOrQueue implements spec's channel allocation and enqueue algorithm:
// try the lowest free slot first; if none is free, prepare the queued payload
// (pre-encoding it when the codec can cheaply recode later) and append to the
// queue. Returns codec.ChannelNone when the call was queued rather than seated.
func (cp *ClientPeer) allocateOrQueue(call *Call, req *message.RPCMessage) (int32, error) {
	cp.mu.Lock()
	if idx := cp.freeSlotLocked(); idx >= 0 {
		cp.table[idx] = call
		cp.mu.Unlock()
		return int32(idx), nil
	}
	cp.mu.Unlock()

	entry := &queuedEntry{call: call}
	if rc, ok := cp.cdc.(codec.RecodingCodec); ok && rc.Recoding() {
		encoded, err := rc.Encode(req, codec.ChannelNone)
		if err != nil {
			return codec.ChannelNone, err
		}
		entry.encoded = encoded
	} else {
		entry.raw = req
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	// Re-check: a slot may have freed while we were encoding outside the lock.
	// Without this, a concurrent handleMessage's flushQueue could find the queue
	// empty and leave a freed channel unclaimed until the next unrelated frame.
	if idx := cp.freeSlotLocked(); idx >= 0 {
		cp.table[idx] = call
		return int32(idx), nil
	}
	cp.queue = append(cp.queue, entry)
	return codec.ChannelNone, nil
}

// freeSlotLocked returns the lowest-indexed free channel, or -1. Callers must
// hold mu. Linear scan, acceptable for maxChannels <= 1<<15; a free-list stack
// would make this O(1) for very large tables (not needed at this scale).
func (cp *ClientPeer) freeSlotLocked() int {
	for i, call := range cp.table {
		if call == nil {
			return i
		}
	}
	return -1
}

func (cp *ClientPeer) writeRequest(req *message.RPCMessage, channel int32) error {
	data, err := cp.cdc.Encode(req, channel)
	if err != nil {
		return err
	}
	return cp.peer.Write(protocol.MsgTypeRequest, data)
}

// releaseAndFlush frees a channel slot (used when writing a just-allocated
// request fails) and lets any queued request claim it.
func (cp *ClientPeer) releaseAndFlush(channel int32) {
	cp.mu.Lock()
	cp.table[channel] = nil
	cp.mu.Unlock()
	cp.flushQueue()
}

// HandleMessage implements peer.MessageHandler: correlate a decoded response to
// its channel's call, fulfill it (or silently discard it, if that call already
// timed out), then try to drain the pending queue into the slot we just freed.
func (cp *ClientPeer) HandleMessage(msg *message.RPCMessage, channel int32) {
	cp.mu.Lock()
	var call *Call
	if channel >= 0 && int(channel) < len(cp.table) {
		call = cp.table[channel]
		cp.table[channel] = nil
	}
	cp.mu.Unlock()

	if call != nil {
		call.complete(msg, nil)
	} else {
		cp.log.Printf("mini-rpc: response on unknown or already-freed channel %d", channel)
	}

	cp.flushQueue()
}

// flushQueue drains the pending queue in strict FIFO order, one free channel at a
// time. The lock is held for the entire scan (including the writes) so that two
// concurrent HandleMessage calls freeing two channels can never interleave their
// drains out of submission order.
func (cp *ClientPeer) flushQueue() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	drained := 0
	for drained < len(cp.queue) {
		idx := cp.freeSlotLocked()
		if idx < 0 {
			break
		}
		entry := cp.queue[drained]
		drained++

		var data []byte
		var err error
		if entry.encoded != nil {
			rc := cp.cdc.(codec.RecodingCodec)
			data, err = rc.Recode(entry.encoded, int32(idx))
		} else {
			data, err = cp.cdc.Encode(entry.raw, int32(idx))
		}
		if err != nil {
			entry.call.complete(nil, err)
			continue
		}

		entry.call.Channel = int32(idx)
		cp.table[idx] = entry.call
		if werr := cp.peer.Write(protocol.MsgTypeRequest, data); werr != nil {
			cp.log.Printf("mini-rpc: writing queued request on channel %d: %v", idx, werr)
		}
	}
	cp.queue = cp.queue[drained:]
}

// HandleClosed implements peer.MessageHandler: fail every call currently seated
// in the channel table AND every call still sitting in the pending queue. This
// is an intentional correction over only failing seated calls (the original
// source only failed promises that had channels; failing queued calls too is
// what testable-property 1 — reserved+queued == outstanding — requires).
//
// peer.Peer invokes this exactly once per connection regardless of why it
// closed (local Close, remote EOF, fatal decode error), so it is also the one
// safe place to stop heartbeatLoop — stopping it here, rather than in Close,
// means a remote-triggered close stops the heartbeat goroutine too instead of
// only a local Close() doing so.
func (cp *ClientPeer) HandleClosed(cause error) {
	close(cp.heartbeatStop)

	cp.mu.Lock()
	var calls []*Call
	for i, call := range cp.table {
		if call != nil {
			calls = append(calls, call)
			cp.table[i] = nil
		}
	}
	for _, entry := range cp.queue {
		calls = append(calls, entry.call)
	}
	cp.queue = nil
	cp.mu.Unlock()

	err := ErrClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	for _, call := range calls {
		call.complete(nil, err)
	}

	cp.peer.FireClosed(cause)
}

// heartbeatLoop periodically writes an empty heartbeat frame so idle connections
// are detected as dead (by the peer in addition to the OS's own TCP keepalive)
// rather than hanging forever on a half-open socket.
func (cp *ClientPeer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = cp.peer.Write(protocol.MsgTypeHeartbeat, nil)
		case <-cp.heartbeatStop:
			return
		}
	}
}
