package vectorindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/prismdb/prism/internal/model"
)

// Graph is a single segment's HNSW index: nodes addressed by local doc-id,
// a packed vector array, and a per-level adjacency list. Insertion follows
// the standard HNSW construction algorithm (Malkov & Yashunin); the
// in-memory adjacency lists are flattened to CSR form on serialization
// (see serialize.go) rather than maintained as CSR during construction,
// since neighbor lists grow incrementally as nodes are inserted.
type Graph struct {
	Dim            int
	Metric         model.DistanceMetric
	M              int
	MMax0          int
	EfConstruction int
	EfSearch       int

	mu         sync.RWMutex
	vectors    [][]float32 // node id -> vector
	levels     []int32     // node id -> top layer this node participates in
	neighbors  [][][]int32 // neighbors[level][nodeID] -> neighbor ids
	entryPoint int32
	maxLevel   int32
	rnd        *rand.Rand
}

// NewGraph builds an empty graph for a collection's vector field. m and
// efConstruction follow spec §4.5 defaults (16 / 200) when zero; efSearch
// defaults to 64 and can be overridden per search call.
func NewGraph(dim int, metric model.DistanceMetric, m, efConstruction, efSearch int, seed int64) *Graph {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 200
	}
	if efSearch <= 0 {
		efSearch = 64
	}
	return &Graph{
		Dim:            dim,
		Metric:         metric,
		M:              m,
		MMax0:          m * 2,
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		entryPoint:     -1,
		maxLevel:       -1,
		rnd:            rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of nodes inserted (including soft-deleted ones;
// deletion is tracked externally via the tombstone bitmap, spec §4.5).
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vectors)
}

// Insert adds vec to the graph and returns its local node id. Cosine-metric
// graphs normalize vec in place before storing and searching against it.
func (g *Graph) Insert(vec []float32) (int32, error) {
	if err := validateDimension(vec, g.Dim); err != nil {
		return 0, err
	}
	stored := append([]float32(nil), vec...)
	if g.Metric == model.MetricCosine {
		normalize(stored)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := int32(len(g.vectors))
	level := g.randomLevel()
	g.vectors = append(g.vectors, stored)
	g.levels = append(g.levels, int32(level))
	for int32(len(g.neighbors)) <= int32(level) {
		g.neighbors = append(g.neighbors, make([][]int32, 0, id+1))
	}
	// Pad every layer's neighbor slice so index id is valid, including
	// layers this node doesn't participate in (nodes with no entry for a
	// layer simply carry a nil slice there) and layers created for the
	// first time by this insert (all earlier node ids get an implicit nil
	// entry in a layer none of them had reached before).
	for l := range g.neighbors {
		for int32(len(g.neighbors[l])) <= id {
			g.neighbors[l] = append(g.neighbors[l], nil)
		}
	}

	if g.entryPoint == -1 {
		g.entryPoint = id
		g.maxLevel = int32(level)
		return id, nil
	}

	entry := g.entryPoint
	entryDist := g.distTo(stored, entry)
	for l := int(g.maxLevel); l > level; l-- {
		entry, entryDist = g.greedyDescend(stored, entry, entryDist, l)
	}

	entryPoints := []candidate{{id: entry, dist: entryDist}}
	for l := min(int(g.maxLevel), level); l >= 0; l-- {
		results := g.searchLayer(stored, entryPoints, g.EfConstruction, l)
		neighborsToLink := selectNeighbors(results, g.M)
		g.connect(id, l, neighborsToLink)
		entryPoints = results
	}

	if level > int(g.maxLevel) {
		g.maxLevel = int32(level)
		g.entryPoint = id
	}
	return id, nil
}

// randomLevel draws an exponentially-distributed layer per the HNSW paper's
// level-assignment rule with mL = 1/ln(M).
func (g *Graph) randomLevel() int {
	mL := 1.0 / math.Log(float64(g.M))
	return int(math.Floor(-math.Log(g.rnd.Float64()+1e-12) * mL))
}

func (g *Graph) distTo(query []float32, node int32) float32 {
	return distance(g.Metric, query, g.vectors[node])
}

func (g *Graph) greedyDescend(query []float32, entry int32, entryDist float32, level int) (int32, float32) {
	changed := true
	best, bestDist := entry, entryDist
	for changed {
		changed = false
		if level >= len(g.neighbors) || int(best) >= len(g.neighbors[level]) {
			break
		}
		for _, n := range g.neighbors[level][best] {
			d := g.distTo(query, n)
			if d < bestDist {
				best, bestDist = n, d
				changed = true
			}
		}
	}
	return best, bestDist
}

// searchLayer performs a bounded best-first search at one layer, returning
// up to ef candidates sorted ascending by distance. Tombstone filtering is
// applied by the caller after the graph search completes (spec §4.5), not
// during traversal, so deleted nodes still serve as stepping stones.
func (g *Graph) searchLayer(query []float32, entryPoints []candidate, ef, level int) []candidate {
	visited := bitset.New(uint(len(g.vectors)))
	var cands minHeap
	var results maxHeap

	for _, ep := range entryPoints {
		visited.Set(uint(ep.id))
		heap.Push(&cands, ep)
		heap.Push(&results, ep)
	}

	for cands.Len() > 0 {
		c := heap.Pop(&cands).(candidate)
		if results.Len() >= ef && c.dist > results[0].dist {
			break
		}
		if level >= len(g.neighbors) || int(c.id) >= len(g.neighbors[level]) {
			continue
		}
		for _, n := range g.neighbors[level][c.id] {
			if visited.Test(uint(n)) {
				continue
			}
			visited.Set(uint(n))
			d := g.distTo(query, n)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&cands, candidate{id: n, dist: d})
				heap.Push(&results, candidate{id: n, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]candidate, len(results))
	copy(out, results)
	sortByDistAsc(out)
	return out
}

// selectNeighbors picks up to m candidates by distance. The full HNSW paper
// describes a diversification heuristic (favoring neighbors that aren't
// already well-connected to each other); this uses the simpler "m nearest"
// selection, which the paper notes as an acceptable simplification at the
// cost of slightly lower recall.
func selectNeighbors(sorted []candidate, m int) []int32 {
	if len(sorted) > m {
		sorted = sorted[:m]
	}
	out := make([]int32, len(sorted))
	for i, c := range sorted {
		out[i] = c.id
	}
	return out
}

// connect links id bidirectionally to each of neighborIDs at level, pruning
// any neighbor whose degree now exceeds the level's max degree.
func (g *Graph) connect(id int32, level int, neighborIDs []int32) {
	maxDegree := g.M
	if level == 0 {
		maxDegree = g.MMax0
	}

	g.neighbors[level][id] = append(g.neighbors[level][id], neighborIDs...)

	for _, n := range neighborIDs {
		g.neighbors[level][n] = append(g.neighbors[level][n], id)
		if len(g.neighbors[level][n]) > maxDegree {
			g.pruneNeighbors(n, level, maxDegree)
		}
	}
}

func (g *Graph) pruneNeighbors(node int32, level, maxDegree int) {
	existing := g.neighbors[level][node]
	cands := make([]candidate, len(existing))
	for i, n := range existing {
		cands[i] = candidate{id: n, dist: distance(g.Metric, g.vectors[node], g.vectors[n])}
	}
	sortByDistAsc(cands)
	kept := selectNeighbors(cands, maxDegree)
	g.neighbors[level][node] = kept
}

// SearchKNN returns the k nearest nodes to query, skipping any node for
// which tombstoned returns true (the soft-delete filter from spec §4.5).
// ef overrides the graph's configured EfSearch when positive.
func (g *Graph) SearchKNN(query []float32, k, ef int, tombstoned func(localID int32) bool) ([]Candidate, error) {
	if err := validateDimension(query, g.Dim); err != nil {
		return nil, err
	}
	q := append([]float32(nil), query...)
	if g.Metric == model.MetricCosine {
		normalize(q)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.entryPoint == -1 {
		return nil, nil
	}
	if ef <= 0 {
		ef = g.EfSearch
	}
	if ef < k {
		ef = k
	}

	entry := g.entryPoint
	entryDist := g.distTo(q, entry)
	for l := int(g.maxLevel); l > 0; l-- {
		entry, entryDist = g.greedyDescend(q, entry, entryDist, l)
	}

	results := g.searchLayer(q, []candidate{{id: entry, dist: entryDist}}, ef, 0)

	out := make([]Candidate, 0, k)
	for _, c := range results {
		if tombstoned != nil && tombstoned(c.id) {
			continue
		}
		out = append(out, Candidate{ID: c.id, Dist: c.dist})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Vector returns the stored (possibly normalized) vector for a local node id.
func (g *Graph) Vector(localID int32) []float32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.vectors[localID]
}

func sortByDistAsc(cands []candidate) {
	// insertion sort: ef and M are small (tens), so this beats the
	// overhead of sort.Slice's reflection-free but closure-heavy path.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].dist < cands[j-1].dist; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
}

