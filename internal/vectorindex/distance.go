package vectorindex

import (
	"fmt"
	"math"

	"github.com/prismdb/prism/internal/model"
	"github.com/prismdb/prism/internal/prismerr"
)

// validateDimension rejects vectors whose length doesn't match the
// collection's fixed dimension (spec §4.5 insertion rule).
func validateDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: vector has dimension %d, collection requires %d", prismerr.ErrSchemaViolation, len(vec), dim)
	}
	return nil
}

// normalize scales vec to unit length in place, for cosine-metric collections
// where vectors are normalized on insert (spec §4.5).
func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

// distance returns a value where smaller means closer, for the given metric.
// Dot is negated and cosine becomes 1 - dot, so the same min-heap search
// logic works for all three metrics.
func distance(metric model.DistanceMetric, a, b []float32) float32 {
	switch metric {
	case model.MetricL2:
		return l2Squared(a, b)
	case model.MetricDot:
		return -dot(a, b)
	case model.MetricCosine:
		fallthrough
	default:
		return 1 - dot(a, b) // a, b are unit vectors by construction
	}
}

func l2Squared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
