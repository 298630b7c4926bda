package vectorindex

// candidate is a graph node considered during a layer search, carrying its
// distance to the current query vector (smaller is closer, see distance()).
type candidate struct {
	id   int32
	dist float32
}

// Candidate is the exported form of a search hit returned from SearchKNN.
type Candidate struct {
	ID   int32
	Dist float32
}

// minHeap pops the candidate with the smallest distance first; used as the
// exploration frontier in searchLayer.
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap pops the candidate with the largest distance first; used to bound
// the result set to ef entries, evicting the farthest when it overflows.
type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
