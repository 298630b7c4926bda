package textindex

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	index "github.com/blevesearch/bleve_index_api"

	"github.com/prismdb/prism/internal/model"
)

// FacetRequest asks for a terms facet over field, limited to size buckets.
type FacetRequest struct {
	Field string
	Size  int
}

// SearchOptions bounds a Search call.
type SearchOptions struct {
	Size   int
	From   int
	Facets []FacetRequest
	Fields []string // stored fields to reconstruct; nil/empty means all
}

// Hit is one scored result, with the stored fields reconstructed from the
// segment's stored-field blob (spec §4.4 "Stored-field reconstruction").
type Hit struct {
	InternalID model.InternalID
	Score      float64
	Fields     map[string]interface{}
}

// FacetBucket is one term and its document count within a facet.
type FacetBucket struct {
	Term  string
	Count int
}

// SearchResult is the top-k response plus any requested facets.
type SearchResult struct {
	Total  uint64
	Hits   []Hit
	Facets map[string][]FacetBucket
}

// Search runs cond against the live bleve index (uncommitted writes
// included) and returns the top
// opts.Size hits ordered by BM25 score, skipping any internal id present in
// the tombstone bitmap (soft deletes not yet compacted out by a merge).
func (idx *Index) Search(ctx context.Context, cond Condition, opts SearchOptions) (*SearchResult, error) {
	q := cond.build(idx.schema)

	size := opts.Size
	if size <= 0 {
		size = 10
	}

	req := bleve.NewSearchRequestOptions(q, size, opts.From, false)
	if len(opts.Fields) > 0 {
		req.Fields = opts.Fields
	} else {
		req.Fields = []string{"*"}
	}

	for _, f := range opts.Facets {
		fsize := f.Size
		if fsize <= 0 {
			fsize = 10
		}
		req.AddFacet(f.Field, bleve.NewFacetRequest(f.Field, fsize))
	}

	idx.mu.RLock()
	res, err := idx.bleve.SearchInContext(ctx, req)
	idx.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("textindex: search: %w", err)
	}

	out := &SearchResult{Total: res.Total, Facets: make(map[string][]FacetBucket)}
	for _, hit := range res.Hits {
		id, err := unpackID(hit.ID)
		if err != nil {
			continue
		}
		if idx.IsDeleted(id) {
			continue
		}
		out.Hits = append(out.Hits, Hit{InternalID: id, Score: hit.Score, Fields: hit.Fields})
	}

	for name, fr := range res.Facets {
		buckets := make([]FacetBucket, 0, len(fr.Terms.Terms()))
		for _, t := range fr.Terms.Terms() {
			buckets = append(buckets, FacetBucket{Term: t.Term, Count: t.Count})
		}
		out.Facets[name] = buckets
	}

	return out, nil
}

// GetByID reconstructs the stored fields of one internal doc-id, used by the
// collection engine's get() and by hybrid fusion's boosting/rerank stages.
func (idx *Index) GetByID(ctx context.Context, internalID model.InternalID) (map[string]interface{}, bool, error) {
	if idx.IsDeleted(internalID) {
		return nil, false, nil
	}
	key := packedID(internalID)
	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery([]string{key}), 1, 0, false)
	req.Fields = []string{"*"}

	idx.mu.RLock()
	res, err := idx.bleve.SearchInContext(ctx, req)
	idx.mu.RUnlock()
	if err != nil {
		return nil, false, fmt.Errorf("textindex: get %s: %w", key, err)
	}
	if len(res.Hits) == 0 {
		return nil, false, nil
	}
	return res.Hits[0].Fields, true, nil
}

// Suggestion is one term-dictionary entry returned by Suggest.
type Suggestion struct {
	Term  string
	Count int // document frequency
}

// Suggest returns up to size terms from field's dictionary starting with
// prefix (spec §4.7 "prefix completion over term dictionary"). When fuzzy is
// set, it instead scans the full dictionary and keeps terms within
// maxDistance Levenshtein edits of prefix — a linear scan rather than the
// DFA-based term filtering spec §9 names, acceptable at the term-dictionary
// sizes a single collection's segment holds.
func (idx *Index) Suggest(field, prefix string, size int, fuzzy bool, maxDistance int) ([]Suggestion, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !fuzzy {
		fd, err := idx.bleve.FieldDictPrefix(field, []byte(prefix))
		if err != nil {
			return nil, fmt.Errorf("textindex: suggest: %w", err)
		}
		defer fd.Close()
		return collectDict(fd, size, nil)
	}

	fd, err := idx.bleve.FieldDict(field)
	if err != nil {
		return nil, fmt.Errorf("textindex: suggest: %w", err)
	}
	defer fd.Close()
	return collectDict(fd, size, func(term string) bool {
		return levenshtein(term, prefix) <= maxDistance
	})
}

// DocFreq returns the number of documents containing term in field, used by
// more_like_this's idf-weighted term selection.
func (idx *Index) DocFreq(field, term string) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	fd, err := idx.bleve.FieldDictPrefix(field, []byte(term))
	if err != nil {
		return 0, fmt.Errorf("textindex: doc freq: %w", err)
	}
	defer fd.Close()
	for {
		entry, err := fd.Next()
		if err != nil {
			return 0, err
		}
		if entry == nil {
			return 0, nil
		}
		if entry.Term == term {
			return int(entry.Count), nil
		}
	}
}

// TotalDocs returns the index's live document count, used as N in idf
// computations.
func (idx *Index) TotalDocs() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, _ := idx.bleve.DocCount()
	return int(n)
}

// levenshtein computes the classic edit distance between a and b, used by
// Suggest's fuzzy fallback.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func collectDict(fd index.FieldDict, size int, keep func(string) bool) ([]Suggestion, error) {
	if size <= 0 {
		size = 10
	}
	var out []Suggestion
	for {
		entry, err := fd.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if keep != nil && !keep(entry.Term) {
			continue
		}
		out = append(out, Suggestion{Term: entry.Term, Count: int(entry.Count)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > size {
		out = out[:size]
	}
	return out, nil
}

func unpackID(key string) (model.InternalID, error) {
	parts := strings.SplitN(key, "-", 2)
	if len(parts) != 2 {
		return model.InternalID{}, fmt.Errorf("textindex: malformed doc key %q", key)
	}
	seg, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return model.InternalID{}, err
	}
	ord, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return model.InternalID{}, err
	}
	return model.InternalID{SegmentID: uint32(seg), LocalOrd: uint32(ord)}, nil
}
