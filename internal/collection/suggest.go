package collection

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/prismdb/prism/internal/textindex"
)

// Suggest delegates straight to the text backend's term-dictionary prefix
// completion (spec §4.7 `suggest`).
func (c *Collection) Suggest(field, prefix string, size int, fuzzy bool, maxDistance int) ([]textindex.Suggestion, error) {
	return c.text.Suggest(field, prefix, size, fuzzy, maxDistance)
}

// MoreLikeThisRequest selects the source text either by an existing
// document's id (Like) or by raw text (LikeText).
type MoreLikeThisRequest struct {
	Like     string
	LikeText string
	Fields   []string
	MinTF    int
	MinDF    int
	MaxTerms int
	Size     int
}

// MoreLikeThis extracts the highest-idf terms from the source doc/text and
// builds a disjunction query over Fields (spec §4.7 `more_like_this`). This
// is a simplified term-frequency extraction over whitespace-tokenized text
// rather than a full term-vector index; see the package's design notes.
func (c *Collection) MoreLikeThis(ctx context.Context, req MoreLikeThisRequest) (*SearchResponse, error) {
	text := req.LikeText
	if req.Like != "" {
		fields, ok, err := c.Get(ctx, req.Like)
		if err != nil {
			return nil, err
		}
		if ok {
			var parts []string
			for _, fname := range req.Fields {
				if v, has := fields[fname]; has {
					parts = append(parts, v.Text)
				}
			}
			text = strings.Join(parts, " ")
		}
	}
	if text == "" {
		return &SearchResponse{}, nil
	}

	minTF := req.MinTF
	if minTF <= 0 {
		minTF = 1
	}
	minDF := req.MinDF
	if minDF <= 0 {
		minDF = 1
	}
	maxTerms := req.MaxTerms
	if maxTerms <= 0 {
		maxTerms = 25
	}

	tf := termFrequencies(text)
	n := float64(c.text.TotalDocs())

	type scoredTerm struct {
		term string
		idf  float64
	}
	var candidates []scoredTerm
	for term, freq := range tf {
		if freq < minTF {
			continue
		}
		var maxDF int
		for _, fname := range req.Fields {
			df, err := c.text.DocFreq(fname, term)
			if err != nil {
				continue
			}
			if df > maxDF {
				maxDF = df
			}
		}
		if maxDF < minDF {
			continue
		}
		idf := math.Log(n/float64(maxDF+1) + 1)
		candidates = append(candidates, scoredTerm{term: term, idf: idf})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].idf > candidates[j].idf })
	if len(candidates) > maxTerms {
		candidates = candidates[:maxTerms]
	}

	var clauses []textindex.Condition
	for _, ct := range candidates {
		for _, fname := range req.Fields {
			clauses = append(clauses, textindex.Term(fname, ct.term))
		}
	}
	if len(clauses) == 0 {
		return &SearchResponse{}, nil
	}

	size := req.Size
	if size <= 0 {
		size = 10
	}
	return c.Search(ctx, SearchRequest{Query: textindex.Or(clauses...), Limit: size})
}

func termFrequencies(text string) map[string]int {
	out := make(map[string]int)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		if tok == "" {
			continue
		}
		out[tok]++
	}
	return out
}
