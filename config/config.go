// Package config loads command-line configuration for the mini-rpc binaries.
//
// The teacher wires every setting through constructor parameters and never
// grows a config file or flag parser of its own; no example in the retrieval
// pack pulls in a config library like viper or koanf either, so this stays a
// thin `flag`-based loader rather than reaching for a third-party dependency
// that nothing else in the module would exercise.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// ServerConfig holds everything cmd/mini-rpcd needs to start listening.
type ServerConfig struct {
	ListenAddr    string        // e.g. ":8080"
	AdvertiseAddr string        // e.g. "127.0.0.1:8080" — what gets registered in etcd
	EtcdEndpoints []string      // empty disables service discovery
	CodecType     string        // "json" or "binary"
	Compress      bool          // snappy-compress binary codec payloads
	RateLimit     float64       // requests/sec across the whole server, 0 disables
	RateBurst     int           // token bucket burst size
	ShutdownGrace time.Duration // Server.Shutdown timeout
}

// ClientConfig holds everything cmd/mini-rpc-bench needs to dial a server.
type ClientConfig struct {
	EtcdEndpoints []string
	CodecType     string
	Compress      bool
	PoolSize      int
	MaxChannels   int
	CallTimeout   time.Duration
	RateLimit     float64
	Balancer      string // "roundrobin", "weighted", or "consistenthash"
}

// ParseServerFlags parses os.Args-style flags (via a caller-supplied
// *flag.FlagSet so tests can exercise this without touching the real
// command line) into a ServerConfig.
func ParseServerFlags(fs *flag.FlagSet, args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	var etcd string

	fs.StringVar(&cfg.ListenAddr, "listen", ":8080", "TCP address to listen on")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address to register in etcd (defaults to -listen)")
	fs.StringVar(&etcd, "etcd", "", "comma-separated etcd endpoints, empty disables discovery")
	fs.StringVar(&cfg.CodecType, "codec", "binary", "wire codec: json or binary")
	fs.BoolVar(&cfg.Compress, "compress", false, "snappy-compress binary codec payloads")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", 0, "requests/sec across the whole server, 0 disables")
	fs.IntVar(&cfg.RateBurst, "rate-burst", 10, "token bucket burst size")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 5*time.Second, "graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if etcd != "" {
		cfg.EtcdEndpoints = strings.Split(etcd, ",")
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	if cfg.CodecType != "json" && cfg.CodecType != "binary" {
		return nil, fmt.Errorf("config: unknown codec %q, want json or binary", cfg.CodecType)
	}
	return cfg, nil
}

// ParseClientFlags parses flags for cmd/mini-rpc-bench.
func ParseClientFlags(fs *flag.FlagSet, args []string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	var etcd string

	fs.StringVar(&etcd, "etcd", "127.0.0.1:2379", "comma-separated etcd endpoints")
	fs.StringVar(&cfg.CodecType, "codec", "binary", "wire codec: json or binary")
	fs.BoolVar(&cfg.Compress, "compress", false, "snappy-compress binary codec payloads")
	fs.IntVar(&cfg.PoolSize, "pool-size", 4, "connections per discovered instance")
	fs.IntVar(&cfg.MaxChannels, "max-channels", 64, "concurrent channels per connection")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", 5*time.Second, "per-call timeout")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", 0, "requests/sec admitted per connection, 0 disables")
	fs.StringVar(&cfg.Balancer, "balancer", "roundrobin", "roundrobin, weighted, or consistenthash")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.EtcdEndpoints = strings.Split(etcd, ",")
	if cfg.CodecType != "json" && cfg.CodecType != "binary" {
		return nil, fmt.Errorf("config: unknown codec %q, want json or binary", cfg.CodecType)
	}
	return cfg, nil
}
