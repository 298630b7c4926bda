package federation

import (
	"fmt"
	"sort"

	"github.com/prismdb/prism/internal/prismerr"
)

// ShardOwners lists the node ids owning one shard, primary first.
type ShardOwners struct {
	ShardIndex int
	NodeIDs    []string // [0] is primary, [1:] are replicas
}

// Placement is a collection's published shard->node assignment (spec §4.9
// "Placement: at collection creation, shard_count shards are assigned to
// nodes spreading replicas across zone").
type Placement struct {
	ShardCount       int
	ReplicationFactor int
	SpreadKey        SpreadKey
	Shards           []ShardOwners
	Degraded         bool
}

// Owners returns the assignment for one shard index.
func (p Placement) Owners(shard int) ShardOwners {
	if shard < 0 || shard >= len(p.Shards) {
		return ShardOwners{ShardIndex: shard}
	}
	return p.Shards[shard]
}

// Primary returns the primary node id for a shard, "" if unassigned.
func (p Placement) Primary(shard int) string {
	o := p.Owners(shard)
	if len(o.NodeIDs) == 0 {
		return ""
	}
	return o.NodeIDs[0]
}

// Assign places shardCount shards across nodes with r replicas each,
// spreading replicas of the same shard across distinct spread-key groups
// (spec §4.9 "Constraint: no two replicas of the same shard share the
// spread key"). Assignment is deterministic round-robin over nodes sorted
// by node_id so repeated calls with the same member set reproduce the same
// placement (useful for tests and for re-deriving placement after restart
// without a separate persisted copy).
func Assign(nodes []Node, shardCount, replicationFactor int, spreadKey SpreadKey) (Placement, error) {
	alive := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.State == StateAlive {
			alive = append(alive, n)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].NodeID < alive[j].NodeID })

	groups := map[string]bool{}
	for _, n := range alive {
		groups[n.Value(spreadKey)] = true
	}
	if len(alive) < replicationFactor || len(groups) < replicationFactor {
		return Placement{ShardCount: shardCount, ReplicationFactor: replicationFactor, SpreadKey: spreadKey, Degraded: true},
			fmt.Errorf("%w: need %d distinct %s groups for replication factor %d, have %d across %d alive nodes",
				prismerr.ErrPlacementFailed, replicationFactor, spreadKey, replicationFactor, len(groups), len(alive))
	}

	shards := make([]ShardOwners, shardCount)
	cursor := 0
	for s := 0; s < shardCount; s++ {
		owners, ok := pickOwners(alive, cursor, replicationFactor, spreadKey)
		if !ok {
			return Placement{ShardCount: shardCount, ReplicationFactor: replicationFactor, SpreadKey: spreadKey, Degraded: true},
				fmt.Errorf("%w: shard %d: could not satisfy spread constraint across %s", prismerr.ErrPlacementFailed, s, spreadKey)
		}
		shards[s] = ShardOwners{ShardIndex: s, NodeIDs: owners}
		cursor++
	}
	return Placement{ShardCount: shardCount, ReplicationFactor: replicationFactor, SpreadKey: spreadKey, Shards: shards}, nil
}

// pickOwners walks alive starting at cursor (wrapping), picking the first r
// nodes whose spread-key values are pairwise distinct.
func pickOwners(alive []Node, cursor, r int, spreadKey SpreadKey) ([]string, bool) {
	n := len(alive)
	owners := make([]string, 0, r)
	usedGroups := make(map[string]bool, r)
	for i := 0; i < n && len(owners) < r; i++ {
		node := alive[(cursor+i)%n]
		grp := node.Value(spreadKey)
		if usedGroups[grp] {
			continue
		}
		usedGroups[grp] = true
		owners = append(owners, node.NodeID)
	}
	return owners, len(owners) == r
}
