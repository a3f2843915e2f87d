package registry

// ServiceInstance is one addressable backend for a service name. Addr is what
// every balancer ultimately resolves to; Weight and Version exist for the
// balancers that care about them — loadbalance.WeightedRandomBalancer reads
// Weight, loadbalance.ConsistentHashBalancer treats every instance the same
// regardless of either field, and Version is carried through Discover/Watch
// for canary-style filtering a future balancer could add without a wire
// format change.
type ServiceInstance struct {
	Addr    string
	Weight  int
	Version string
}

// Registry is how client.Client turns a service name into addresses: Discover
// for a one-shot snapshot, Watch for a push feed a balancer can stay synced
// against between calls. Register/Deregister are the server.Server side of
// the same contract — a server registers itself on Serve and deregisters on
// Shutdown.
type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
