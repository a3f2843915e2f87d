package client

import (
	"mini-rpc/codec"
	"mini-rpc/loadbalance"
	"mini-rpc/registry"
	"mini-rpc/server"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

// staticRegistry implements registry.Registry over a fixed instance list, so
// these tests exercise Client.Call's discovery+balance+pool path without etcd.
type staticRegistry struct {
	instances []registry.ServiceInstance
}

func (r *staticRegistry) Register(string, registry.ServiceInstance, int64) error { return nil }
func (r *staticRegistry) Deregister(string, string) error                       { return nil }
func (r *staticRegistry) Discover(string) ([]registry.ServiceInstance, error)    { return r.instances, nil }
func (r *staticRegistry) Watch(string) <-chan []registry.ServiceInstance {
	ch := make(chan []registry.ServiceInstance)
	return ch
}

func startTestServer(t *testing.T, addr string, cdc codec.Codec) {
	t.Helper()
	svr := server.NewServer(cdc)
	require.NoError(t, svr.Register(&Arith{}))
	go svr.Serve("tcp", addr, "", nil)
	time.Sleep(50 * time.Millisecond)
}

func TestClientCallJSON(t *testing.T) {
	addr := "127.0.0.1:18891"
	startTestServer(t, addr, &codec.JSONCodec{})

	reg := &staticRegistry{instances: []registry.ServiceInstance{{Addr: addr, Weight: 1}}}
	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, &codec.JSONCodec{}, 2, 4)
	defer c.Close()

	reply := &Reply{}
	require.NoError(t, c.Call("Arith.Add", &Args{A: 1, B: 2}, reply))
	require.Equal(t, 3, reply.Result)

	reply2 := &Reply{}
	require.NoError(t, c.Call("Arith.Add", &Args{A: 10, B: 20}, reply2))
	require.Equal(t, 30, reply2.Result)
}

func TestClientCallBinaryCodec(t *testing.T) {
	addr := "127.0.0.1:18892"
	cdc := codec.NewBinaryCodec(false)
	startTestServer(t, addr, cdc)

	reg := &staticRegistry{instances: []registry.ServiceInstance{{Addr: addr, Weight: 1}}}
	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, cdc, 2, 4)
	defer c.Close()

	reply := &Reply{}
	require.NoError(t, c.Call("Arith.Add", &Args{A: 5, B: 7}, reply))
	require.Equal(t, 12, reply.Result)
}

func TestClientCallConcurrentMultiplexed(t *testing.T) {
	addr := "127.0.0.1:18893"
	startTestServer(t, addr, &codec.JSONCodec{})

	reg := &staticRegistry{instances: []registry.ServiceInstance{{Addr: addr, Weight: 1}}}
	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, &codec.JSONCodec{}, 1, 8)
	defer c.Close()

	const n = 16
	type outcome struct {
		err  error
		got  int
		want int
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			reply := &Reply{}
			err := c.Call("Arith.Add", &Args{A: i, B: i}, reply)
			results <- outcome{err: err, got: reply.Result, want: 2 * i}
		}()
	}
	for i := 0; i < n; i++ {
		o := <-results
		require.NoError(t, o.err)
		require.Equal(t, o.want, o.got)
	}
}

func TestClientCallNoInstances(t *testing.T) {
	reg := &staticRegistry{}
	c := NewClient(reg, &loadbalance.RoundRobinBalancer{}, &codec.JSONCodec{}, 1, 4)
	defer c.Close()

	reply := &Reply{}
	err := c.Call("Arith.Add", &Args{A: 1, B: 1}, reply)
	require.Error(t, err)
}
