// Package prism is the top-level facade wiring the storage stack, the
// collection engine, the federation layer and the lifecycle schedulers
// into one embeddable Engine, mirroring the teacher's own
// discovery.Discovery facade (one Options struct, one constructor, one
// struct composing every subsystem the package below it implements).
package prism

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/cluster"
	"github.com/prismdb/prism/internal/collection"
	"github.com/prismdb/prism/internal/embedcache"
	"github.com/prismdb/prism/internal/embedprovider"
	"github.com/prismdb/prism/internal/federation"
	"github.com/prismdb/prism/internal/hybrid"
	"github.com/prismdb/prism/internal/lifecycle"
	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/pipeline"
	"github.com/prismdb/prism/internal/prismerr"
	"github.com/prismdb/prism/internal/storage"
)

// DiscoveryMode selects which spec §4.9 discovery backend an Engine uses.
type DiscoveryMode string

const (
	DiscoveryStatic DiscoveryMode = "static"
	DiscoveryDNS    DiscoveryMode = "dns"
	DiscoveryGossip DiscoveryMode = "gossip"
)

// DiscoveryConfig selects and parameterizes one federation.Discovery
// backend. Exactly the fields relevant to Mode need to be set.
type DiscoveryConfig struct {
	Mode DiscoveryMode

	// StaticNodes backs DiscoveryStatic.
	StaticNodes []federation.Node

	// DNSHostname/DNSPort/DNSInterval back DiscoveryDNS.
	DNSHostname string
	DNSPort     string
	DNSInterval time.Duration

	// Gossip backs DiscoveryGossip; Gossip.Self is overridden with
	// Options.Self if left zero-valued.
	Gossip federation.GossipOptions
}

// Options configures an Engine. Self/ListenAddr/Store are required for a
// federated deployment; a single-process deployment with no peers can
// leave Discovery at its zero value (DiscoveryStatic with no nodes) and
// ListenAddr empty, in which case the Engine never starts a cluster.Server
// and every collection operation runs purely local.
type Options struct {
	// Self describes this node for placement/discovery purposes. Self.NodeID
	// is required; Self.Address should be ListenAddr when serving.
	Self federation.Node

	// ListenAddr is the address this node's cluster.Server binds, e.g.
	// ":7000". Empty disables serving — this node can still act as a
	// federation client/coordinator, just never a shard owner reachable by
	// peers.
	ListenAddr string

	Discovery  DiscoveryConfig
	Health     federation.HealthConfig
	SplitBrain federation.SplitBrainConfig
	Rebalance  federation.RebalanceConfig
	DialOpts   cluster.DialOptions

	// Store is the composed storage stack (local/remote/cached/compressed/
	// encrypted — see internal/storage) every collection opened on this
	// Engine shares, differentiated only by the collections/{name}/ prefix
	// internal/model.CollectionDir assigns.
	Store storage.Store
	// LocalDir is the base scratch directory for the text backend's bleve
	// indexes; each collection gets its own LocalDir/{name} subdirectory.
	LocalDir string

	Pipelines  *pipeline.Registry
	EmbedCache *embedcache.Cache
	Embedder   embedprovider.Provider
	Reranker   hybrid.CrossEncoder

	Merge      lifecycle.MergeSchedulerConfig
	CacheEvict lifecycle.CacheEvictorConfig

	Logger *zap.Logger
}

// Engine is the embeddable handle to a running Prism node: it owns every
// locally-hosted collection, the federation coordinator that routes to
// peers, and the background lifecycle schedulers.
type Engine struct {
	opts   Options
	logger *zap.Logger

	discovery federation.Discovery
	coord     *federation.Coordinator
	quorum    *federation.QuorumGuard
	health    *federation.HealthMonitor
	rebalance *federation.Rebalancer

	server   *cluster.Server
	listener net.Listener

	merger       *lifecycle.SegmentMerger
	mergeSched   *lifecycle.MergeScheduler
	ilm          *lifecycle.ILMEngine
	cacheEvictor *lifecycle.CacheEvictor

	mu          sync.Mutex
	collections map[string]*collection.Collection
}

// Open builds an Engine from opts: wires discovery, the federation
// coordinator, health monitoring (with its onFailure callback bound to the
// rebalancer, spec §4.9 "state changes trigger rebalancing if
// on_node_failure = rebalance"), split-brain quorum gating, and the
// lifecycle schedulers, then starts serving cluster RPC if ListenAddr is
// set.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Self.NodeID == "" {
		return nil, fmt.Errorf("%w: prism: Self.NodeID is required", prismerr.ErrBadRequest)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: prism: Store is required", prismerr.ErrBadRequest)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	discovery, err := buildDiscovery(opts.Self, opts.Discovery, logger)
	if err != nil {
		return nil, err
	}

	coord := federation.NewCoordinator(opts.Self.NodeID, discovery, logger)
	coord.SetDialOptions(opts.DialOpts)

	var quorum *federation.QuorumGuard
	if opts.SplitBrain.ClusterSize > 0 {
		quorum = federation.NewQuorumGuard(discovery, opts.SplitBrain, logger)
		coord.SetQuorumGuard(quorum)
	}

	merger := lifecycle.NewSegmentMerger(logger)
	e := &Engine{
		opts:        opts,
		logger:      logger,
		discovery:   discovery,
		coord:       coord,
		quorum:      quorum,
		merger:      merger,
		ilm:         lifecycle.NewILMEngine(merger, logger),
		collections: make(map[string]*collection.Collection),
	}

	e.rebalance = federation.NewRebalancer(coord, discovery, opts.Rebalance, logger)
	e.health = federation.NewHealthMonitor(opts.Health, discovery, coord, logger, e.onNodeFailure)

	if opts.Merge.Interval > 0 || opts.Merge.MaxSegments > 0 {
		e.mergeSched = lifecycle.NewMergeScheduler(e.merger, opts.Merge, logger)
	}
	if opts.CacheEvict.Interval > 0 || opts.CacheEvict.L1MaxSizeBytes > 0 {
		e.cacheEvictor = lifecycle.NewCacheEvictor(opts.CacheEvict, logger)
		if opts.EmbedCache != nil {
			e.cacheEvictor.RegisterCache(opts.Self.NodeID, opts.EmbedCache)
		}
	}

	if opts.ListenAddr != "" {
		var gossip *federation.GossipDiscovery
		if gd, ok := discovery.(*federation.GossipDiscovery); ok {
			gossip = gd
		}
		handler := federation.NewNodeServer(coord, opts.Self, gossip, logger)
		e.server = cluster.NewServer(handler, logger)
		l, err := net.Listen("tcp", opts.ListenAddr)
		if err != nil {
			e.Close(ctx)
			return nil, fmt.Errorf("prism: listen on %q: %w", opts.ListenAddr, err)
		}
		e.listener = l
		go func() {
			if err := e.server.Serve(l); err != nil {
				logger.Info("prism: cluster server stopped", zap.Error(err))
			}
		}()
	}

	return e, nil
}

func buildDiscovery(self federation.Node, cfg DiscoveryConfig, logger *zap.Logger) (federation.Discovery, error) {
	switch cfg.Mode {
	case DiscoveryDNS:
		return federation.NewDNSDiscovery(cfg.DNSHostname, cfg.DNSPort, cfg.DNSInterval, logger), nil
	case DiscoveryGossip:
		gopts := cfg.Gossip
		if gopts.Self.NodeID == "" {
			gopts.Self = self
		}
		if gopts.Logger == nil {
			gopts.Logger = logger
		}
		return federation.NewGossipDiscovery(gopts)
	default:
		nodes := cfg.StaticNodes
		if len(nodes) == 0 {
			nodes = []federation.Node{self}
		}
		return federation.NewStaticDiscoveryWithNodes(nodes), nil
	}
}

// onNodeFailure is HealthMonitor's failure callback: it triggers a
// rebalance for every collection this node has published placement for.
func (e *Engine) onNodeFailure(nodeID string, state federation.NodeState) {
	e.logger.Warn("prism: node failure detected, triggering rebalance", zap.String("node_id", nodeID), zap.String("state", string(state)))
	e.mu.Lock()
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	e.mu.Unlock()
	for _, name := range names {
		if err := e.rebalance.Trigger(context.Background(), name); err != nil {
			e.logger.Warn("prism: rebalance after node failure failed", zap.String("collection", name), zap.Error(err))
		}
	}
}

// CreateCollection opens a new collection with schema, publishes its shard
// placement (spec §4.9 "at collection creation, shard_count shards are
// assigned to nodes") and registers it with the coordinator, the segment
// merger and the ILM engine.
func (e *Engine) CreateCollection(ctx context.Context, schema *model.Schema, fedCfg federation.CollectionConfig) (*collection.Collection, error) {
	e.mu.Lock()
	if _, exists := e.collections[schema.Name]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: prism: collection %q already open on this node", prismerr.ErrConflict, schema.Name)
	}
	e.mu.Unlock()

	coll, err := collection.Open(ctx, collection.Options{
		Name:       schema.Name,
		Schema:     schema,
		LocalDir:   e.opts.LocalDir + "/" + schema.Name,
		Store:      e.opts.Store,
		Pipelines:  e.opts.Pipelines,
		EmbedCache: e.opts.EmbedCache,
		Embedder:   e.opts.Embedder,
		Reranker:   e.opts.Reranker,
		Logger:     e.logger,
	})
	if err != nil {
		return nil, err
	}

	placement, err := federation.Assign(e.discovery.Members(), fedCfg.ShardCount, fedCfg.ReplicationFactor, fedCfg.SpreadKey)
	if err != nil && !placement.Degraded {
		_ = coll.Close(ctx)
		return nil, err
	}

	e.mu.Lock()
	e.collections[schema.Name] = coll
	e.mu.Unlock()

	e.coord.RegisterLocal(schema.Name, coll)
	e.coord.SetPlacement(schema.Name, placement, fedCfg)
	e.merger.Register(coll)
	e.ilm.Register(coll, time.Now().UTC())
	if e.cacheEvictor != nil {
		if cs, ok := coll.Store().(*storage.CachedStore); ok {
			e.cacheEvictor.RegisterStore(schema.Name, cs)
		}
	}

	return coll, nil
}

// Collection returns a locally-open collection handle by name.
func (e *Engine) Collection(name string) (*collection.Collection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.collections[name]
	return c, ok
}

// Index routes docs to their owning shards (spec §4.9 write path). session,
// if non-nil, is pinned for a subsequent read-your-writes read.
func (e *Engine) Index(ctx context.Context, collectionName string, docs []*model.Document, session *federation.Session) ([]federation.IndexOutcome, error) {
	return e.coord.Index(ctx, collectionName, docs, session)
}

// Search scatters a query across all shards and merges results (spec
// §4.9 read path).
func (e *Engine) Search(ctx context.Context, collectionName string, req collection.SearchRequest, cons federation.Consistency) (*federation.SearchResult, error) {
	return e.coord.Search(ctx, collectionName, req, cons)
}

// Aggregate scatters an aggregation request across all shards and combines
// the per-shard results.
func (e *Engine) Aggregate(ctx context.Context, collectionName string, filterQuery string, req collection.AggRequest, cons federation.Consistency) (*federation.AggregateResult, error) {
	return e.coord.Aggregate(ctx, collectionName, filterQuery, req, cons)
}

// GetDoc routes to the one shard owning id.
func (e *Engine) GetDoc(ctx context.Context, collectionName, id string, cons federation.Consistency) (map[string]model.Value, bool, error) {
	return e.coord.GetDoc(ctx, collectionName, id, cons)
}

// Rebalance manually triggers the rebalancer for one collection, e.g. after
// an operator adds capacity.
func (e *Engine) Rebalance(ctx context.Context, collectionName string) error {
	return e.rebalance.Trigger(ctx, collectionName)
}

// PauseRebalance/ResumeRebalance control the rebalancer's move scheduler
// (spec §4.9 "moves are pause-schedulable").
func (e *Engine) PauseRebalance()  { e.rebalance.Pause() }
func (e *Engine) ResumeRebalance() { e.rebalance.Resume() }

// Heal discards this node's locally divergent segments for collectionName
// after a split-brain partition resolves, deferring to authoritativeNodeID's
// own rebalancer to re-push correct data (spec §4.9 split-brain healing).
func (e *Engine) Heal(ctx context.Context, collectionName, authoritativeNodeID string) error {
	return e.coord.Heal(ctx, collectionName, authoritativeNodeID)
}

// ForceMerge runs an immediate segment reclaim pass for one collection,
// bypassing the scheduled interval.
func (e *Engine) ForceMerge(ctx context.Context, collectionName string, maxSegments int, maxSegmentSize int64) error {
	return e.merger.ForceMerge(ctx, collectionName, maxSegments, maxSegmentSize)
}

// Close stops every background scheduler, the cluster server (if serving),
// the health monitor and rebalancer's outbound connections, and every
// locally-open collection.
func (e *Engine) Close(ctx context.Context) error {
	if e.health != nil {
		e.health.Close()
	}
	if e.mergeSched != nil {
		e.mergeSched.Close()
	}
	if e.cacheEvictor != nil {
		e.cacheEvictor.Close()
	}
	if e.listener != nil {
		_ = e.listener.Close()
	}
	e.discovery.Close()
	e.coord.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for name, coll := range e.collections {
		if err := coll.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("prism: close collection %q: %w", name, err)
		}
	}
	return firstErr
}
