package collection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/textindex"
)

// AggRange is one bound pair of a range aggregation bucket. Either bound may
// be nil for an open range.
type AggRange struct {
	From, To *float64
}

// AggRequest describes one bucket or metric aggregation (spec §4.7
// `aggregate`). Bucket aggregations (terms/histogram/date_histogram/range/
// filter/filters/global) may nest further aggregations under Sub; metric
// aggregations (count/sum/avg/min/max/stats/percentiles) are leaves.
type AggRequest struct {
	Type             string
	Field            string
	Size             int // terms: max buckets, default 10
	Interval         float64
	CalendarInterval string // date_histogram: "day", "week", "month", "year"
	Ranges           []AggRange
	Filters          map[string]textindex.Condition // filter: single entry; filters: named entries
	Sub              map[string]AggRequest
}

// Bucket is one group produced by a bucket aggregation.
type Bucket struct {
	Key   string
	Count int
	Sub   map[string]AggResult
}

// AggResult is the outcome of one aggregation: either Buckets (bucket
// aggregations), Value (single-metric: count/sum/avg/min/max), or
// Values/Percentiles (stats/percentiles).
type AggResult struct {
	Buckets     []Bucket
	Value       float64
	Values      map[string]float64
	Percentiles map[string]float64
}

type scannedDoc struct {
	ID     model.InternalID
	Fields map[string]model.Value
}

// Aggregate scans documents matching filter (up to scanLimit, default
// 10000) and runs req over them, recursing into nested Sub aggregations.
// req.Type "filter"/"filters"/"global" re-scan the text backend with a
// combined condition; every other bucket/metric type groups in memory over
// the already-fetched scan set (spec §4.7 "Execution is scan-based with an
// optional scan_limit").
func (c *Collection) Aggregate(ctx context.Context, filter textindex.Condition, req AggRequest, scanLimit int) (*AggResult, error) {
	if filter == nil {
		filter = textindex.MatchAll()
	}
	if scanLimit <= 0 {
		scanLimit = 10000
	}
	docs, err := c.scan(ctx, filter, scanLimit)
	if err != nil {
		return nil, err
	}
	result, err := c.runAgg(ctx, filter, docs, req, scanLimit)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Collection) scan(ctx context.Context, cond textindex.Condition, limit int) ([]scannedDoc, error) {
	const page = 200
	var out []scannedDoc
	from := 0
	for len(out) < limit {
		size := page
		if remaining := limit - len(out); remaining < size {
			size = remaining
		}
		res, err := c.text.Search(ctx, cond, textindex.SearchOptions{Size: size, From: from})
		if err != nil {
			return nil, err
		}
		if len(res.Hits) == 0 {
			break
		}
		for _, h := range res.Hits {
			out = append(out, scannedDoc{ID: h.InternalID, Fields: fieldsFromStored(c.schema, h.Fields)})
		}
		from += len(res.Hits)
		if uint64(from) >= res.Total {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Collection) runAgg(ctx context.Context, outer textindex.Condition, docs []scannedDoc, req AggRequest, scanLimit int) (AggResult, error) {
	switch req.Type {
	case "", "count":
		return AggResult{Value: float64(len(docs))}, nil
	case "sum", "avg", "min", "max":
		return AggResult{Value: singleMetric(req.Type, numericValues(docs, req.Field))}, nil
	case "stats":
		vals := numericValues(docs, req.Field)
		return AggResult{Values: map[string]float64{
			"count": float64(len(vals)),
			"sum":   singleMetric("sum", vals),
			"avg":   singleMetric("avg", vals),
			"min":   singleMetric("min", vals),
			"max":   singleMetric("max", vals),
		}}, nil
	case "percentiles":
		return AggResult{Percentiles: percentiles(numericValues(docs, req.Field))}, nil
	case "terms":
		return c.termsAgg(ctx, docs, req, scanLimit)
	case "histogram":
		return c.histogramAgg(ctx, docs, req, scanLimit)
	case "date_histogram":
		return c.dateHistogramAgg(ctx, docs, req, scanLimit)
	case "range":
		return c.rangeAgg(ctx, docs, req, scanLimit)
	case "filter":
		return c.filterAgg(ctx, outer, req, scanLimit)
	case "filters":
		return c.filtersAgg(ctx, outer, req, scanLimit)
	case "global":
		return c.globalAgg(ctx, req, scanLimit)
	default:
		return AggResult{}, fmt.Errorf("collection: unknown aggregation type %q", req.Type)
	}
}

func (c *Collection) bucketsFromGroups(ctx context.Context, groups map[string][]scannedDoc, order []string, req AggRequest, scanLimit int) (AggResult, error) {
	buckets := make([]Bucket, 0, len(groups))
	for _, key := range order {
		group := groups[key]
		b := Bucket{Key: key, Count: len(group)}
		if len(req.Sub) > 0 {
			b.Sub = make(map[string]AggResult, len(req.Sub))
			for name, sub := range req.Sub {
				r, err := c.runAgg(ctx, nil, group, sub, scanLimit)
				if err != nil {
					return AggResult{}, err
				}
				b.Sub[name] = r
			}
		}
		buckets = append(buckets, b)
	}
	return AggResult{Buckets: buckets}, nil
}

func (c *Collection) termsAgg(ctx context.Context, docs []scannedDoc, req AggRequest, scanLimit int) (AggResult, error) {
	groups := make(map[string][]scannedDoc)
	var order []string
	for _, d := range docs {
		v, ok := d.Fields[req.Field]
		if !ok {
			continue
		}
		key := v.String()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}
	sort.Slice(order, func(i, j int) bool { return len(groups[order[i]]) > len(groups[order[j]]) })
	size := req.Size
	if size <= 0 {
		size = 10
	}
	if len(order) > size {
		order = order[:size]
	}
	return c.bucketsFromGroups(ctx, groups, order, req, scanLimit)
}

func (c *Collection) histogramAgg(ctx context.Context, docs []scannedDoc, req AggRequest, scanLimit int) (AggResult, error) {
	interval := req.Interval
	if interval <= 0 {
		interval = 1
	}
	groups := make(map[string][]scannedDoc)
	var order []string
	for _, d := range docs {
		v, ok := d.Fields[req.Field]
		if !ok {
			continue
		}
		num, ok := numericValue(v)
		if !ok {
			continue
		}
		bucketStart := math.Floor(num/interval) * interval
		key := fmt.Sprintf("%g", bucketStart)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}
	sort.Strings(order)
	return c.bucketsFromGroups(ctx, groups, order, req, scanLimit)
}

func (c *Collection) dateHistogramAgg(ctx context.Context, docs []scannedDoc, req AggRequest, scanLimit int) (AggResult, error) {
	groups := make(map[string][]scannedDoc)
	var order []string
	for _, d := range docs {
		v, ok := d.Fields[req.Field]
		if !ok || v.Kind != model.KindDate {
			continue
		}
		key := truncateToCalendarInterval(v.Date, req.CalendarInterval)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}
	sort.Strings(order)
	return c.bucketsFromGroups(ctx, groups, order, req, scanLimit)
}

func truncateToCalendarInterval(t time.Time, interval string) string {
	t = t.UTC()
	switch interval {
	case "year":
		return fmt.Sprintf("%04d", t.Year())
	case "month":
		return t.Format("2006-01")
	case "week":
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	default: // "day"
		return t.Format("2006-01-02")
	}
}

func (c *Collection) rangeAgg(ctx context.Context, docs []scannedDoc, req AggRequest, scanLimit int) (AggResult, error) {
	groups := make(map[string][]scannedDoc, len(req.Ranges))
	var order []string
	for _, r := range req.Ranges {
		key := rangeKey(r)
		order = append(order, key)
		for _, d := range docs {
			v, ok := d.Fields[req.Field]
			if !ok {
				continue
			}
			num, ok := numericValue(v)
			if !ok {
				continue
			}
			if r.From != nil && num < *r.From {
				continue
			}
			if r.To != nil && num >= *r.To {
				continue
			}
			groups[key] = append(groups[key], d)
		}
	}
	return c.bucketsFromGroups(ctx, groups, order, req, scanLimit)
}

func rangeKey(r AggRange) string {
	switch {
	case r.From == nil:
		return fmt.Sprintf("*-%g", *r.To)
	case r.To == nil:
		return fmt.Sprintf("%g-*", *r.From)
	default:
		return fmt.Sprintf("%g-%g", *r.From, *r.To)
	}
}

func (c *Collection) filterAgg(ctx context.Context, outer textindex.Condition, req AggRequest, scanLimit int) (AggResult, error) {
	if outer == nil {
		outer = textindex.MatchAll()
	}
	var cond textindex.Condition
	for _, fc := range req.Filters {
		cond = fc
		break
	}
	if cond == nil {
		cond = textindex.MatchAll()
	}
	combined := textindex.And(outer, cond)
	docs, err := c.scan(ctx, combined, scanLimit)
	if err != nil {
		return AggResult{}, err
	}
	return c.bucketsFromGroups(ctx, map[string][]scannedDoc{"filter": docs}, []string{"filter"}, req, scanLimit)
}

func (c *Collection) filtersAgg(ctx context.Context, outer textindex.Condition, req AggRequest, scanLimit int) (AggResult, error) {
	if outer == nil {
		outer = textindex.MatchAll()
	}
	groups := make(map[string][]scannedDoc, len(req.Filters))
	var order []string
	for name, cond := range req.Filters {
		combined := textindex.And(outer, cond)
		docs, err := c.scan(ctx, combined, scanLimit)
		if err != nil {
			return AggResult{}, err
		}
		groups[name] = docs
		order = append(order, name)
	}
	sort.Strings(order)
	return c.bucketsFromGroups(ctx, groups, order, req, scanLimit)
}

func (c *Collection) globalAgg(ctx context.Context, req AggRequest, scanLimit int) (AggResult, error) {
	docs, err := c.scan(ctx, textindex.MatchAll(), scanLimit)
	if err != nil {
		return AggResult{}, err
	}
	return c.bucketsFromGroups(ctx, map[string][]scannedDoc{"global": docs}, []string{"global"}, req, scanLimit)
}

func numericValue(v model.Value) (float64, bool) {
	switch v.Kind {
	case model.KindI64:
		return float64(v.I64), true
	case model.KindU64:
		return float64(v.U64), true
	case model.KindF64:
		return v.F64, true
	default:
		return 0, false
	}
}

func numericValues(docs []scannedDoc, field string) []float64 {
	var out []float64
	for _, d := range docs {
		if v, ok := d.Fields[field]; ok {
			if n, ok := numericValue(v); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func singleMetric(kind string, vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	switch kind {
	case "sum":
		var s float64
		for _, v := range vals {
			s += v
		}
		return s
	case "avg":
		var s float64
		for _, v := range vals {
			s += v
		}
		return s / float64(len(vals))
	case "min":
		m := vals[0]
		for _, v := range vals {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := vals[0]
		for _, v := range vals {
			if v > m {
				m = v
			}
		}
		return m
	default:
		return 0
	}
}

func percentiles(vals []float64) map[string]float64 {
	if len(vals) == 0 {
		return map[string]float64{}
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	pick := func(p float64) float64 {
		idx := int(p / 100 * float64(len(sorted)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return map[string]float64{
		"p50": pick(50),
		"p95": pick(95),
		"p99": pick(99),
	}
}
