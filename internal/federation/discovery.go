package federation

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Discovery resolves the current cluster membership list (spec §4.9
// "Discovery variants: static, dns, gossip"). Implementations are read
// models only — Coordinator/HealthMonitor consult Members(), they never
// mutate membership through this interface.
type Discovery interface {
	Members() []Node
	// Close stops any background refresh goroutine.
	Close()
}

// StaticDiscovery is a fixed, caller-supplied member list.
type StaticDiscovery struct {
	mu      sync.RWMutex
	members []Node
}

// NewStaticDiscovery builds a StaticDiscovery from a fixed host:port list,
// one Node per address with no zone/rack/region metadata (callers that need
// spread constraints should use NewStaticDiscoveryWithNodes instead).
func NewStaticDiscovery(addresses []string) *StaticDiscovery {
	nodes := make([]Node, len(addresses))
	for i, addr := range addresses {
		nodes[i] = Node{NodeID: addr, Address: addr, State: StateAlive}
	}
	return &StaticDiscovery{members: nodes}
}

// NewStaticDiscoveryWithNodes builds a StaticDiscovery from fully-populated
// Node values (zone/rack/region included, for placement spread testing).
func NewStaticDiscoveryWithNodes(nodes []Node) *StaticDiscovery {
	return &StaticDiscovery{members: append([]Node(nil), nodes...)}
}

// MarkState overrides one member's state in place, letting a HealthMonitor
// apply its own failure-detection verdict on top of a fixed member list.
func (s *StaticDiscovery) MarkState(nodeID string, state NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.members {
		if s.members[i].NodeID == nodeID {
			s.members[i].State = state
			return
		}
	}
}

func (s *StaticDiscovery) Members() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Node(nil), s.members...)
}

// Set replaces the static member list, used by tests and by operators
// reconfiguring a cluster without a restart.
func (s *StaticDiscovery) Set(nodes []Node) {
	s.mu.Lock()
	s.members = append([]Node(nil), nodes...)
	s.mu.Unlock()
}

func (s *StaticDiscovery) Close() {}

// DNSDiscovery resolves a headless DNS record on a fixed interval (spec
// §4.9 "dns: resolve a headless record periodically"). New addresses join
// as alive; addresses that disappear from a resolution are marked dead
// rather than removed outright, so in-flight requests to them fail fast via
// the usual health path instead of vanishing silently.
type DNSDiscovery struct {
	hostname string
	port     string
	interval time.Duration
	resolver *net.Resolver
	logger   *zap.Logger

	mu      sync.RWMutex
	members map[string]Node

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDNSDiscovery starts polling hostname:port immediately, refreshing
// every interval (dns_refresh_interval).
func NewDNSDiscovery(hostname, port string, interval time.Duration, logger *zap.Logger) *DNSDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &DNSDiscovery{
		hostname: hostname,
		port:     port,
		interval: interval,
		resolver: net.DefaultResolver,
		logger:   logger,
		members:  make(map[string]Node),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.refresh(ctx)
	go d.loop(ctx)
	return d
}

func (d *DNSDiscovery) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *DNSDiscovery) refresh(ctx context.Context) {
	ips, err := d.resolver.LookupHost(ctx, d.hostname)
	if err != nil {
		d.logger.Warn("federation: dns discovery lookup failed", zap.String("hostname", d.hostname), zap.Error(err))
		d.mu.Lock()
		for id, n := range d.members {
			if n.State == StateAlive {
				n.State = StateSuspect
				d.members[id] = n
			}
		}
		d.mu.Unlock()
		return
	}

	seen := make(map[string]bool, len(ips))
	d.mu.Lock()
	for _, ip := range ips {
		addr := net.JoinHostPort(ip, d.port)
		seen[addr] = true
		if n, ok := d.members[addr]; ok {
			n.State = StateAlive
			d.members[addr] = n
			continue
		}
		d.members[addr] = Node{NodeID: addr, Address: addr, State: StateAlive}
	}
	for addr, n := range d.members {
		if !seen[addr] && n.State != StateDead {
			n.State = StateDead
			d.members[addr] = n
		}
	}
	d.mu.Unlock()
}

// MarkState overrides one member's state, keyed by the node id DNSDiscovery
// assigns (the resolved host:port address itself).
func (d *DNSDiscovery) MarkState(nodeID string, state NodeState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.members[nodeID]; ok {
		n.State = state
		d.members[nodeID] = n
	}
}

func (d *DNSDiscovery) Members() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Node, 0, len(d.members))
	for _, n := range d.members {
		out = append(out, n)
	}
	return out
}

func (d *DNSDiscovery) Close() {
	d.cancel()
	<-d.done
}
