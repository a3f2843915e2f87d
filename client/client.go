// Package client implements the RPC client: service discovery, load balancing,
// and a pool of multiplexed connections per target instance.
//
// Call flow:
//
//	Call(serviceMethod, args, reply)
//	  → registry.Discover(serviceName) → balancer.Pick(serviceMethod, instances) → addr
//	  → pool(addr).next() → *transport.ClientPeer (round-robin over poolSize conns)
//	  → ClientPeer.SendMessage (channel-multiplexed over that one conn)
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"mini-rpc/codec"
	"mini-rpc/loadbalance"
	"mini-rpc/message"
	"mini-rpc/registry"
	"mini-rpc/rpclog"
	"mini-rpc/transport"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const defaultMaxChannels = 64

// ringSyncer is implemented by balancers that can be rebuilt from a live
// registry.Watch snapshot (currently loadbalance.ConsistentHashBalancer).
// Balancers that don't need ring state (RoundRobin, WeightedRandom) simply
// don't implement it, and Client skips the sync goroutine for them.
type ringSyncer interface {
	Sync(instances []registry.ServiceInstance)
}

// addrPool is a small round-robin set of ClientPeers to one instance address.
// Each ClientPeer already multiplexes many concurrent calls over its one TCP
// connection, so poolSize connections per address is about spreading read-pump
// and lock contention across more than one socket, not about avoiding blocking.
type addrPool struct {
	mu    sync.Mutex
	peers []*transport.ClientPeer
	next  uint64
}

// Client is the RPC client: discovers instances, balances across them, and
// multiplexes calls over pooled ClientPeer connections.
type Client struct {
	registry    registry.Registry
	balancer    loadbalance.Balancer
	codec       codec.Codec
	poolSize    int
	maxChannels int
	timeout     time.Duration
	log         rpclog.Logger

	rateLimit float64 // requests/sec admitted per ClientPeer; 0 disables

	mu    sync.Mutex
	pools map[string]*addrPool

	watchedMu sync.Mutex
	watched   map[string]bool
}

// NewClient creates a client that discovers instances via reg, balances with
// bal, and dials poolSize ClientPeer connections per instance, each with
// maxChannels concurrent slots. Pass maxChannels <= 0 for the default of 64.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, cdc codec.Codec, poolSize, maxChannels int) *Client {
	if maxChannels <= 0 {
		maxChannels = defaultMaxChannels
	}
	return &Client{
		registry:    reg,
		balancer:    bal,
		codec:       cdc,
		poolSize:    poolSize,
		maxChannels: maxChannels,
		timeout:     5 * time.Second,
		log:         rpclog.Default,
		pools:       make(map[string]*addrPool),
		watched:     make(map[string]bool),
	}
}

// SetLogger overrides the default logger.
func (c *Client) SetLogger(l rpclog.Logger) {
	c.log = l
}

// SetTimeout overrides the per-call timeout (default 5s). Timeout <= 0 disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SetRateLimit throttles call admission on every ClientPeer this client dials
// from now on, to ratePerSec requests/sec with a burst equal to maxChannels
// (one peer's channel table). ratePerSec <= 0 disables throttling (the default).
func (c *Client) SetRateLimit(ratePerSec float64) {
	c.rateLimit = ratePerSec
}

// Call performs a synchronous RPC: marshal args as JSON, send, wait for the
// response, and unmarshal its payload into reply.
func (c *Client) Call(serviceMethod string, args any, reply any) error {
	return c.CallContext(context.Background(), serviceMethod, args, reply)
}

// CallContext is Call with a caller-supplied context for cancellation.
func (c *Client) CallContext(ctx context.Context, serviceMethod string, args any, reply any) error {
	split := strings.SplitN(serviceMethod, ".", 2)
	if len(split) != 2 {
		return fmt.Errorf("mini-rpc: invalid serviceMethod format: %v", serviceMethod)
	}
	serviceName := split[0]

	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("mini-rpc: no instances available for %q", serviceName)
	}
	c.ensureWatching(serviceName)

	instance, err := c.balancer.Pick(serviceMethod, instances)
	if err != nil {
		return err
	}

	peer, err := c.getPeer(instance.Addr)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}

	req := &message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
		RequestID:     uuid.NewString(),
	}

	resp, err := peer.SendMessage(ctx, req, c.timeout)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("mini-rpc: server error: %v", resp.Error)
	}
	return json.Unmarshal(resp.Payload, reply)
}

// ensureWatching starts, at most once per service name, a goroutine that keeps
// a ring-syncing balancer's membership current as instances register or expire.
func (c *Client) ensureWatching(serviceName string) {
	syncer, ok := c.balancer.(ringSyncer)
	if !ok {
		return
	}

	c.watchedMu.Lock()
	if c.watched[serviceName] {
		c.watchedMu.Unlock()
		return
	}
	c.watched[serviceName] = true
	c.watchedMu.Unlock()

	go func() {
		for instances := range c.registry.Watch(serviceName) {
			syncer.Sync(instances)
		}
	}()
}

// getPeer returns the next ClientPeer in addr's pool, dialing and filling the
// pool lazily on first use.
func (c *Client) getPeer(addr string) (*transport.ClientPeer, error) {
	c.mu.Lock()
	pool, ok := c.pools[addr]
	if !ok {
		pool = &addrPool{}
		c.pools[addr] = pool
	}
	c.mu.Unlock()

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if len(pool.peers) < c.poolSize {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		cp, err := transport.NewClientPeer(conn, c.codec, c.maxChannels, c.log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if c.rateLimit > 0 {
			cp.SetRateLimiter(rate.NewLimiter(rate.Limit(c.rateLimit), c.maxChannels))
		}
		addr := addr
		cp.OnClosed(func(error) { c.evict(addr, cp) })
		pool.peers = append(pool.peers, cp)
	}

	idx := atomic.AddUint64(&pool.next, 1) % uint64(len(pool.peers))
	return pool.peers[idx], nil
}

// evict drops a closed peer from its pool so the next getPeer call redials.
func (c *Client) evict(addr string, dead *transport.ClientPeer) {
	c.mu.Lock()
	pool, ok := c.pools[addr]
	c.mu.Unlock()
	if !ok {
		return
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	for i, p := range pool.peers {
		if p == dead {
			pool.peers = append(pool.peers[:i], pool.peers[i+1:]...)
			break
		}
	}
}

// Close shuts down every pooled connection.
//
// Peers are collected under the locks and then closed outside of them: each
// ClientPeer.Close() synchronously runs its OnClosed callbacks, and evict
// (registered at dial time in getPeer) re-acquires c.mu — holding c.mu across
// the Close() call would deadlock against that reentrant lock attempt.
func (c *Client) Close() error {
	c.mu.Lock()
	var peers []*transport.ClientPeer
	for _, pool := range c.pools {
		pool.mu.Lock()
		peers = append(peers, pool.peers...)
		pool.peers = nil
		pool.mu.Unlock()
	}
	c.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	return nil
}
