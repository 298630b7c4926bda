// Package federation implements spec §4.9: cluster membership discovery
// (static/dns/gossip), shard placement with spread constraints, the write
// and read paths (including consistency modes and scatter-gather partial
// results), health/failure detection, the rebalancer and split-brain
// handling. It is the one package that imports internal/cluster for
// transport and internal/collection for local shard execution, keeping
// both of those packages unaware of the cluster topology above them.
package federation
