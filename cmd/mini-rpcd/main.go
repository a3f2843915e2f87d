// Command mini-rpcd runs a mini-rpc server: it registers whatever demo
// services main wires up, optionally publishes itself to etcd, and serves
// until it receives SIGINT/SIGTERM.
package main

import (
	"flag"
	"log"
	"mini-rpc/codec"
	"mini-rpc/config"
	"mini-rpc/middleware"
	"mini-rpc/registry"
	"mini-rpc/rpclog"
	"mini-rpc/server"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Arith is the sample service mini-rpcd registers, so cmd/mini-rpc-bench has
// something to call against a freshly started server.
type Arith struct{}

type Args struct{ A, B int }
type Reply struct{ Result int }

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func main() {
	cfg, err := config.ParseServerFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("mini-rpcd: %v", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("mini-rpcd: building logger: %v", err)
	}
	defer zl.Sync()
	logger := rpclog.NewZap(zl)

	var cdc codec.Codec
	if cfg.CodecType == "json" {
		cdc = &codec.JSONCodec{}
	} else {
		cdc = codec.NewBinaryCodec(cfg.Compress)
	}

	svr := server.NewServer(cdc)
	svr.SetLogger(logger)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, logger))
	}

	if err := svr.Register(&Arith{}); err != nil {
		log.Fatalf("mini-rpcd: register: %v", err)
	}

	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			log.Fatalf("mini-rpcd: connecting to etcd: %v", err)
		}
		etcdReg.SetLogger(logger)
		reg = etcdReg
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Printf("mini-rpcd: shutting down")
		if err := svr.Shutdown(cfg.ShutdownGrace); err != nil {
			logger.Printf("mini-rpcd: shutdown error: %v", err)
		}
	}()

	logger.Printf("mini-rpcd: listening on %s (advertise %s)", cfg.ListenAddr, cfg.AdvertiseAddr)
	if err := svr.Serve("tcp", cfg.ListenAddr, cfg.AdvertiseAddr, reg); err != nil {
		log.Fatalf("mini-rpcd: serve: %v", err)
	}
}
