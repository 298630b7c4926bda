package federation

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// gossipMessage is one SWIM-style UDP datagram: the sender's own state plus
// any membership deltas it wants to propagate (spec §4.9 "(node_id, zone,
// state, incarnation) exchanged over UDP-like datagrams with seed peers").
// No ecosystem SWIM/gossip client appears anywhere in the example pack, so
// this is built directly on stdlib net.ListenUDP/WriteToUDP (see
// SPEC_FULL.md's dependency table for the standard-library justification).
type gossipMessage struct {
	From   Node   `json:"from"`
	Deltas []Node `json:"deltas"`
}

// GossipDiscovery implements SWIM-style membership exchange: self state is
// periodically pushed to a random seed peer, and suspect nodes that don't
// recover within suspect_timeout_ms are marked dead.
type GossipDiscovery struct {
	self           Node
	seeds          []string
	gossipInterval time.Duration
	suspectTimeout time.Duration
	logger         *zap.Logger

	conn *net.UDPConn

	mu           sync.RWMutex
	members      map[string]Node
	suspectSince map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// GossipOptions configures a GossipDiscovery instance.
type GossipOptions struct {
	Self           Node
	ListenAddr     string // udp address this node listens on, e.g. "0.0.0.0:7946"
	Seeds          []string
	GossipInterval time.Duration // default 1s
	SuspectTimeout time.Duration // suspect_timeout_ms, default 5s
	Logger         *zap.Logger
}

// NewGossipDiscovery binds a UDP socket and starts the gossip loop.
func NewGossipDiscovery(opts GossipOptions) (*GossipDiscovery, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gossipInterval := opts.GossipInterval
	if gossipInterval <= 0 {
		gossipInterval = time.Second
	}
	suspectTimeout := opts.SuspectTimeout
	if suspectTimeout <= 0 {
		suspectTimeout = 5 * time.Second
	}

	laddr, err := net.ResolveUDPAddr("udp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	self := opts.Self
	self.State = StateAlive
	g := &GossipDiscovery{
		self:           self,
		seeds:          opts.Seeds,
		gossipInterval: gossipInterval,
		suspectTimeout: suspectTimeout,
		logger:         logger,
		conn:           conn,
		members:        map[string]Node{self.NodeID: self},
		suspectSince:   make(map[string]time.Time),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	go g.receiveLoop()
	go g.gossipLoop()
	return g, nil
}

func (g *GossipDiscovery) receiveLoop() {
	buf := make([]byte, 16*1024)
	for {
		select {
		case <-g.stopCh:
			return
		default:
		}
		g.conn.SetReadDeadline(time.Now().Add(g.gossipInterval))
		n, _, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var msg gossipMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		g.merge(append(msg.Deltas, msg.From))
	}
}

func (g *GossipDiscovery) gossipLoop() {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.detectSuspects()
			g.pushToRandomSeed()
		}
	}
}

func (g *GossipDiscovery) pushToRandomSeed() {
	if len(g.seeds) == 0 {
		return
	}
	seed := g.seeds[int(time.Now().UnixNano())%len(g.seeds)]
	addr, err := net.ResolveUDPAddr("udp", seed)
	if err != nil {
		return
	}
	g.mu.RLock()
	deltas := make([]Node, 0, len(g.members))
	for _, n := range g.members {
		deltas = append(deltas, n)
	}
	self := g.self
	g.mu.RUnlock()

	body, err := json.Marshal(gossipMessage{From: self, Deltas: deltas})
	if err != nil {
		return
	}
	_, _ = g.conn.WriteToUDP(body, addr)
}

// merge applies incoming Node observations, keeping the higher Incarnation
// per node_id (standard SWIM rule: a node's own later incarnation refutes
// an earlier suspect/dead rumor about it).
func (g *GossipDiscovery) merge(deltas []Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range deltas {
		if d.NodeID == g.self.NodeID {
			continue
		}
		cur, ok := g.members[d.NodeID]
		if !ok || d.Incarnation >= cur.Incarnation {
			g.members[d.NodeID] = d
			if d.State == StateAlive {
				delete(g.suspectSince, d.NodeID)
			} else if d.State == StateSuspect {
				if _, already := g.suspectSince[d.NodeID]; !already {
					g.suspectSince[d.NodeID] = time.Now()
				}
			}
		}
	}
}

// detectSuspects converts members that have been suspect for longer than
// suspect_timeout_ms into dead (spec §4.9 "After suspect_timeout_ms without
// recovery, -> dead").
func (g *GossipDiscovery) detectSuspects() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for id, since := range g.suspectSince {
		if now.Sub(since) < g.suspectTimeout {
			continue
		}
		n := g.members[id]
		if n.State != StateDead {
			n.State = StateDead
			g.members[id] = n
			g.logger.Warn("federation: gossip marked node dead after suspect timeout", zap.String("node_id", id))
		}
		delete(g.suspectSince, id)
	}
}

// MarkSuspect records a locally-observed suspicion about peer (typically
// raised by the health monitor after missed heartbeats), starting the
// suspect timer if one isn't already running.
func (g *GossipDiscovery) MarkSuspect(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.members[nodeID]
	if !ok || n.State == StateDead {
		return
	}
	n.State = StateSuspect
	g.members[nodeID] = n
	if _, already := g.suspectSince[nodeID]; !already {
		g.suspectSince[nodeID] = time.Now()
	}
}

func (g *GossipDiscovery) Members() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.members))
	for _, n := range g.members {
		out = append(out, n)
	}
	return out
}

func (g *GossipDiscovery) Close() {
	close(g.stopCh)
	g.conn.Close()
	<-g.doneCh
}
