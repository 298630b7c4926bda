package hybrid

import (
	"math"
	"time"

	"github.com/prismdb/prism/internal/model"
)

// BoostContext supplies the per-document field values and request-level
// parameters needed to evaluate a collection's boosting spec against one
// fused hit.
type BoostContext struct {
	Fields  map[string]model.Value // the candidate doc's stored fields
	Now     time.Time
	Context map[string]string // request-supplied field -> value, for ContextBoost
}

// ApplyBoost multiplies score by every configured boosting mechanism in
// spec, in the order recency, context, signals (spec §4.8 "applied inside
// fusion, multiplicative on each candidate's contribution").
func ApplyBoost(score float64, spec model.BoostingSpec, ctx BoostContext) float64 {
	if spec.Recency != nil {
		score *= recencyMultiplier(*spec.Recency, ctx)
	}
	for _, cb := range spec.Context {
		score *= contextMultiplier(cb, ctx)
	}
	for _, sb := range spec.Signals {
		score *= signalMultiplier(sb, ctx)
	}
	return score
}

// recencyMultiplier evaluates a decay curve over a date field: the further
// a document's value is from "now" beyond offset, the smaller the
// multiplier. Parameterization follows the common search-engine decay
// shapes named in the spec (exp/linear/gauss) with rate as the decay
// steepness and scale as the distance at which the curve reaches its
// characteristic falloff.
func recencyMultiplier(rb model.RecencyBoost, ctx BoostContext) float64 {
	v, ok := ctx.Fields[rb.Field]
	if !ok || v.Kind != model.KindDate {
		return 1.0
	}
	now := ctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	age := now.Sub(v.Date).Seconds()
	dist := math.Abs(age) - rb.Offset
	if dist < 0 {
		dist = 0
	}
	scale := rb.Scale
	if scale <= 0 {
		scale = 1
	}
	rate := rb.Rate
	if rate <= 0 {
		rate = 1
	}

	switch rb.Decay {
	case model.DecayLinear:
		m := 1.0 - rate*(dist/scale)
		if m < 0 {
			m = 0
		}
		return m
	case model.DecayGauss:
		return math.Exp(-rate * (dist * dist) / (2 * scale * scale))
	default: // DecayExp
		return math.Exp(-rate * dist / scale)
	}
}

// contextMultiplier boosts candidates whose field matches a request-supplied
// value; it is a no-op when the request didn't supply that field.
func contextMultiplier(cb model.ContextBoost, ctx BoostContext) float64 {
	want, ok := ctx.Context[cb.Field]
	if !ok {
		return 1.0
	}
	v, ok := ctx.Fields[cb.Field]
	if !ok {
		return 1.0
	}
	if v.String() == want {
		return cb.Factor
	}
	return 1.0
}

// signalMultiplier applies a weighted linear combination of numeric fields
// as a multiplier of (1 + weighted sum), so a zero-weighted or absent
// signal leaves the score unchanged.
func signalMultiplier(sb model.SignalBoost, ctx BoostContext) float64 {
	v, ok := ctx.Fields[sb.Field]
	if !ok {
		return 1.0
	}
	var num float64
	switch v.Kind {
	case model.KindI64:
		num = float64(v.I64)
	case model.KindU64:
		num = float64(v.U64)
	case model.KindF64:
		num = v.F64
	default:
		return 1.0
	}
	return 1.0 + sb.Weight*num
}
