// Command mini-rpc-bench drives calls against a running mini-rpcd instance,
// discovering it via etcd and reporting simple latency/throughput numbers.
package main

import (
	"context"
	"flag"
	"log"
	"mini-rpc/client"
	"mini-rpc/codec"
	"mini-rpc/config"
	"mini-rpc/loadbalance"
	"mini-rpc/registry"
	"os"
	"sync"
	"time"
)

type Args struct{ A, B int }
type Reply struct{ Result int }

func main() {
	requests := flag.Int("n", 1000, "total calls to make")
	concurrency := flag.Int("c", 10, "concurrent callers")

	cfg, err := config.ParseClientFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("mini-rpc-bench: %v", err)
	}

	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
	if err != nil {
		log.Fatalf("mini-rpc-bench: connecting to etcd: %v", err)
	}

	var bal loadbalance.Balancer
	switch cfg.Balancer {
	case "weighted":
		bal = &loadbalance.WeightedRandomBalancer{}
	case "consistenthash":
		bal = loadbalance.NewConsistentHashBalancer()
	default:
		bal = &loadbalance.RoundRobinBalancer{}
	}

	var cdc codec.Codec
	if cfg.CodecType == "json" {
		cdc = &codec.JSONCodec{}
	} else {
		cdc = codec.NewBinaryCodec(cfg.Compress)
	}

	c := client.NewClient(reg, bal, cdc, cfg.PoolSize, cfg.MaxChannels)
	c.SetTimeout(cfg.CallTimeout)
	if cfg.RateLimit > 0 {
		c.SetRateLimit(cfg.RateLimit)
	}
	defer c.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int
	start := time.Now()

	jobs := make(chan int, *requests)
	for i := 0; i < *requests; i++ {
		jobs <- i
	}
	close(jobs)

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
				var reply Reply
				err := c.CallContext(ctx, "Arith.Add", &Args{A: i, B: i}, &reply)
				cancel()
				if err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	log.Printf("mini-rpc-bench: %d calls in %s (%.0f req/s), %d failures",
		*requests, elapsed, float64(*requests)/elapsed.Seconds(), failures)
}
