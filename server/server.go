// Package server implements the RPC server with service registration, middleware chain,
// per-channel parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → newServerPeer (peer.Peer owns the single read pump)
//	  → for each decoded (message, channel): go handleRequest (parallel across channels)
//	    → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/middleware"
	"mini-rpc/registry"
	"mini-rpc/rpclog"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Server is the RPC server that registers services and handles incoming connections.
type Server struct {
	serviceMap    map[string]*service     // Registered services: "Arith" → *service
	codec         codec.Codec             // Fixed codec for every connection this server accepts
	log           rpclog.Logger           // Defaults to rpclog.Default, overridable via SetLogger
	listener      net.Listener            // TCP listener
	wg            sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool             // Set to true during shutdown to suppress Accept errors
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	handler       middleware.HandlerFunc  // The final handler chain: middleware(middleware(...(businessHandler)))
	registry      registry.Registry       // Service registry (etcd), nil if not using discovery
	advertiseAddr string                  // Address registered in etcd (e.g., "127.0.0.1:8080")
	// Different from listen address (":8080") because etcd needs a routable IP

	peersMu sync.Mutex
	peers   map[*ServerPeer]struct{}
}

// NewServer creates a new RPC server with an empty service map.
//
// cdc is the codec every accepted connection will be driven with. Unlike the
// original per-frame dynamic codec-type byte, the channel now lives inside the
// codec-encoded body (see codec.Codec), so a peer must commit to one codec for
// its whole lifetime rather than re-selecting per frame.
func NewServer(cdc codec.Codec) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		codec:      cdc,
		log:        rpclog.Default,
		peers:      make(map[*ServerPeer]struct{}),
	}
	return s
}

// SetLogger overrides the default logger. Call before Serve.
func (svr *Server) SetLogger(l rpclog.Logger) {
	svr.log = l
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// The struct's exported methods that match the RPC signature will be available for remote calls.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Serve starts the server: listens on the given address, optionally registers with etcd,
// and enters the Accept loop to handle incoming connections.
//
// Parameters:
//   - advertiseAddr: the address to register in etcd (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" resolves to "[::]:8080" locally.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener

	// Build the middleware chain once at startup (not per-request)
	// Chain wraps middlewares in reverse order to create the onion model:
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	//   Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	// Register all services to etcd (if registry is provided)
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for serviceName := range svr.serviceMap {
			svr.registry.Register(serviceName, registry.ServiceInstance{
				Addr: advertiseAddr,
			}, 10) // TTL = 10 seconds, KeepAlive renews automatically
		}
	}

	// Accept loop: one ServerPeer per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.handleConn(conn)
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// handleConn wraps an accepted connection in a ServerPeer, which owns the read
// pump and dispatches each decoded request to its own goroutine (see
// ServerPeer.HandleMessage). The peer is tracked in svr.peers and self-evicts
// from it once it closes. Shutdown does not read svr.peers; it waits only for
// in-flight requests.
func (svr *Server) handleConn(conn net.Conn) {
	sp := newServerPeer(conn, svr.codec, svr.handler, &svr.wg, svr.log)

	svr.peersMu.Lock()
	svr.peers[sp] = struct{}{}
	svr.peersMu.Unlock()

	sp.OnClosed(func(error) {
		svr.peersMu.Lock()
		delete(svr.peers, sp)
		svr.peersMu.Unlock()
	})
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services from etcd (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Step 1: Deregister from etcd FIRST — so clients stop sending new requests
	for serviceName := range svr.serviceMap {
		if svr.registry != nil {
			svr.registry.Deregister(serviceName, svr.advertiseAddr)
		}
	}

	// Step 2: Set shutdown flag BEFORE closing listener
	// If we close first, the Accept error fires before the flag is set,
	// and Serve() would return a real error instead of nil
	svr.shutdown.Store(true)
	svr.listener.Close()

	// Step 3: Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil // All requests completed
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// businessHandler is the core handler that dispatches RPC requests to registered services.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply) → return RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	// Parse "ServiceName.MethodName"
	split := strings.Split(req.ServiceMethod, ".")
	if len(split) != 2 {
		return &message.RPCMessage{Error: "invalid service method format", RequestID: req.RequestID}
	}
	serviceName := split[0]
	methodName := split[1]

	// Look up the service and method in the registry
	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return &message.RPCMessage{Error: fmt.Sprintf("unknown service %q", serviceName), RequestID: req.RequestID}
	}
	method, ok := svc.method[methodName]
	if !ok {
		return &message.RPCMessage{Error: fmt.Sprintf("unknown method %q", req.ServiceMethod), RequestID: req.RequestID}
	}

	// Create new instances of args and reply types via reflection
	argv := reflect.New(method.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(method.ReplyType) // e.g., reflect.New(Reply) → *Reply

	// Deserialize the request payload into the args struct
	err := json.Unmarshal(req.Payload, argv.Interface())
	if err != nil {
		return &message.RPCMessage{Error: err.Error(), RequestID: req.RequestID}
	}

	// Invoke the method via reflection: receiver.Method(args, reply)
	methodErr := svc.Call(method, argv, replyv)

	// Serialize the reply struct to JSON
	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		svr.log.Printf("mini-rpc: failed to marshal method result: %v", err)
	}

	// Build the response RPCMessage
	rpcMessage := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyMessage,
		RequestID:     req.RequestID,
	}
	if methodErr != nil {
		rpcMessage.Error = methodErr.Error()
	}
	return rpcMessage
}
