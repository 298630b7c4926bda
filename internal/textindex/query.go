package textindex

import (
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/prismdb/prism/internal/model"
)

// Condition is one clause of the structured query surface: term, phrase,
// prefix, range, exists and facet filters composed with and/or, plus a
// lucene-style free-text query string (spec §4.4).
type Condition interface {
	build(schema *model.Schema) query.Query
}

type termCond struct{ field, value string }

// Term matches an exact (analyzed) term in field.
func Term(field, value string) Condition { return termCond{field, value} }

func (c termCond) build(schema *model.Schema) query.Query {
	q := query.NewTermQuery(c.value)
	q.SetField(c.field)
	q.SetBoost(fieldBoost(schema, c.field))
	return q
}

type phraseCond struct{ field, phrase string }

// Phrase matches an exact phrase in field.
func Phrase(field, phrase string) Condition { return phraseCond{field, phrase} }

func (c phraseCond) build(schema *model.Schema) query.Query {
	q := query.NewMatchPhraseQuery(c.phrase)
	q.SetField(c.field)
	q.SetBoost(fieldBoost(schema, c.field))
	return q
}

type prefixCond struct{ field, prefix string }

// Prefix matches terms in field starting with prefix.
func Prefix(field, prefix string) Condition { return prefixCond{field, prefix} }

func (c prefixCond) build(schema *model.Schema) query.Query {
	q := query.NewPrefixQuery(c.prefix)
	q.SetField(c.field)
	q.SetBoost(fieldBoost(schema, c.field))
	return q
}

type rangeCond struct {
	field          string
	min, max       *float64
	minIncl, maxIncl bool
}

// RangeFloat matches numeric fields within [min, max] (either bound may be nil).
func RangeFloat(field string, min, max *float64, minInclusive, maxInclusive bool) Condition {
	return rangeCond{field: field, min: min, max: max, minIncl: minInclusive, maxIncl: maxInclusive}
}

func (c rangeCond) build(schema *model.Schema) query.Query {
	q := bleve.NewNumericRangeInclusiveQuery(c.min, c.max, &c.minIncl, &c.maxIncl)
	q.SetField(c.field)
	q.SetBoost(fieldBoost(schema, c.field))
	return q
}

type dateRangeCond struct {
	field      string
	start, end time.Time
}

// RangeDate matches date fields within [start, end].
func RangeDate(field string, start, end time.Time) Condition {
	return dateRangeCond{field: field, start: start, end: end}
}

func (c dateRangeCond) build(schema *model.Schema) query.Query {
	q := bleve.NewDateRangeQuery(c.start, c.end)
	q.SetField(c.field)
	q.SetBoost(fieldBoost(schema, c.field))
	return q
}

type existsCond struct{ field string }

// Exists matches documents that have any value for field. Implemented as a
// wildcard query against the field's indexed term, the conventional way to
// express field-existence on top of an inverted index without a dedicated
// "exists" query type.
func Exists(field string) Condition { return existsCond{field} }

func (c existsCond) build(schema *model.Schema) query.Query {
	q := query.NewWildcardQuery("*")
	q.SetField(c.field)
	return q
}

type queryStringCond struct{ raw string }

// QueryString hands raw to bleve's query-string parser: `field:value`,
// quoted phrases, `+`/`-` prefixes. That syntax has no AND/OR keywords and
// no parenthesized groups; boolean composition is what And and Or provide.
func QueryString(raw string) Condition { return queryStringCond{raw} }

func (c queryStringCond) build(schema *model.Schema) query.Query {
	return bleve.NewQueryStringQuery(c.raw)
}

type conjunctionCond struct{ conds []Condition }

// And requires every condition to match.
func And(conds ...Condition) Condition { return conjunctionCond{conds} }

func (c conjunctionCond) build(schema *model.Schema) query.Query {
	qs := make([]query.Query, 0, len(c.conds))
	for _, cond := range c.conds {
		qs = append(qs, cond.build(schema))
	}
	return bleve.NewConjunctionQuery(qs...)
}

type disjunctionCond struct{ conds []Condition }

// Or requires at least one condition to match.
func Or(conds ...Condition) Condition { return disjunctionCond{conds} }

func (c disjunctionCond) build(schema *model.Schema) query.Query {
	qs := make([]query.Query, 0, len(c.conds))
	for _, cond := range c.conds {
		qs = append(qs, cond.build(schema))
	}
	return bleve.NewDisjunctionQuery(qs...)
}

type matchAllCond struct{}

// MatchAll matches every live document; used by aggregate()'s scan and by
// suggest/more_like_this helpers that need an unfiltered base query.
func MatchAll() Condition { return matchAllCond{} }

func (matchAllCond) build(*model.Schema) query.Query { return bleve.NewMatchAllQuery() }

func fieldBoost(schema *model.Schema, field string) query.Boost {
	if fd, ok := schema.FieldByName(field); ok && fd.Boost != 0 {
		return query.Boost(fd.Boost)
	}
	return query.Boost(1.0)
}
