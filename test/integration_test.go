package test

import (
	"mini-rpc/client"
	"mini-rpc/codec"
	"mini-rpc/loadbalance"
	"mini-rpc/middleware"
	"mini-rpc/registry"
	"mini-rpc/server"
	"testing"
	"time"
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

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// TestFullIntegrationWithEtcd exercises the whole stack end to end:
// Client -> Registry(etcd) -> Balancer -> ClientPeer -> Protocol -> Codec -> Middleware -> Server -> reflect.Call.
// It is skipped only when NewEtcdRegistry returns an error; the etcd client
// does not dial at construction, so an unreachable etcd at 127.0.0.1:2379 is
// not caught by that check.
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Skip("etcd not reachable:", err)
	}

	cdc := &codec.JSONCodec{}
	svr := server.NewServer(cdc)
	svr.Use(middleware.LoggingMiddleware(nil))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	go svr.Serve("tcp", ":19090", "127.0.0.1:19090", reg)
	time.Sleep(100 * time.Millisecond)

	bal := &loadbalance.RoundRobinBalancer{}
	cli := client.NewClient(reg, bal, cdc, 2, 16)
	defer cli.Close()

	reply := &Reply{}
	if err := cli.Call("Arith.Add", &Args{A: 3, B: 5}, reply); err != nil {
		t.Fatalf("Call Add failed: %v", err)
	}
	if reply.Result != 8 {
		t.Fatalf("Add: expect 8, got %d", reply.Result)
	}

	reply2 := &Reply{}
	if err := cli.Call("Arith.Multiply", &Args{A: 4, B: 6}, reply2); err != nil {
		t.Fatalf("Call Multiply failed: %v", err)
	}
	if reply2.Result != 24 {
		t.Fatalf("Multiply: expect 24, got %d", reply2.Result)
	}

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

// TestMultiServerWithEtcd exercises discovery across two instances behind one
// service name, round-robined by the client's balancer.
func TestMultiServerWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Skip("etcd not reachable:", err)
	}
	reg.Deregister("Arith", "127.0.0.1:19091")
	reg.Deregister("Arith", "127.0.0.1:19092")

	cdc := &codec.JSONCodec{}
	svr1 := server.NewServer(cdc)
	svr1.Register(&Arith{})
	go svr1.Serve("tcp", ":19091", "127.0.0.1:19091", reg)

	svr2 := server.NewServer(cdc)
	svr2.Register(&Arith{})
	go svr2.Serve("tcp", ":19092", "127.0.0.1:19092", reg)

	time.Sleep(100 * time.Millisecond)

	bal := &loadbalance.RoundRobinBalancer{}
	cli := client.NewClient(reg, bal, cdc, 2, 16)
	defer cli.Close()

	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		if err := cli.Call("Arith.Add", &Args{A: i, B: i * 10}, reply); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		expected := i + i*10
		if reply.Result != expected {
			t.Fatalf("request %d: expect %d, got %d", i, expected, reply.Result)
		}
	}

	svr1.Shutdown(3 * time.Second)
	svr2.Shutdown(3 * time.Second)
}
