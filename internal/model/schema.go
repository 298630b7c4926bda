package model

// FieldDef describes a single schema field: its type and indexing flags.
type FieldDef struct {
	Name    string
	Kind    FieldKind
	Stored  bool
	Indexed bool
	Boost   float64 // per-field BM25 weight multiplier, 0 treated as 1
}

// DistanceMetric is the vector-backend distance function. Only one metric
// is allowed per collection, fixed at schema creation (spec §4.5).
type DistanceMetric string

const (
	MetricCosine DistanceMetric = "cosine"
	MetricL2     DistanceMetric = "l2"
	MetricDot    DistanceMetric = "dot"
)

// VectorSpec configures the collection's single HNSW-backed vector field.
type VectorSpec struct {
	EmbeddingField     string
	Dimension          int
	Metric             DistanceMetric
	HNSWM              int // graph degree, default 16
	HNSWEfConstruction int // default 200
	HNSWEfSearch       int // default 64
}

// EmbeddingSpec configures automatic embedding generation at index time:
// SourceField's text is embedded into TargetField when TargetField is
// absent from the indexed document.
type EmbeddingSpec struct {
	ModelID     string
	SourceField string
	TargetField string
}

// HybridStrategy selects how text and vector candidate streams are fused.
type HybridStrategy string

const (
	StrategyRRF      HybridStrategy = "rrf"
	StrategyWeighted HybridStrategy = "weighted"
)

// HybridDefaults are the collection's default fusion parameters, overridable
// per search request.
type HybridDefaults struct {
	Strategy     HybridStrategy
	RRFK         int // default 60
	TextWeight   float64
	VectorWeight float64
}

// DecayFunction is the recency-boost curve shape (spec §4.8 boosting).
type DecayFunction string

const (
	DecayExp    DecayFunction = "exp"
	DecayLinear DecayFunction = "linear"
	DecayGauss  DecayFunction = "gauss"
)

// RecencyBoost applies a decay curve over a date field.
type RecencyBoost struct {
	Field  string
	Decay  DecayFunction
	Scale  float64
	Offset float64
	Rate   float64 // decay_rate
}

// ContextBoost boosts candidates whose field matches a request-supplied
// value.
type ContextBoost struct {
	Field  string
	Factor float64
}

// SignalBoost is a weighted linear combination of numeric fields.
type SignalBoost struct {
	Field  string
	Weight float64
}

// BoostingSpec bundles the three multiplicative boosting mechanisms applied
// inside fusion.
type BoostingSpec struct {
	Recency *RecencyBoost
	Context []ContextBoost
	Signals []SignalBoost
}

// RerankKind selects the two-phase rerank scoring function.
type RerankKind string

const (
	RerankCrossEncoder RerankKind = "cross_encoder"
	RerankFormula      RerankKind = "formula"
)

// RerankingSpec configures the optional second-stage rerank.
type RerankingSpec struct {
	Kind       RerankKind
	Candidates int    // how many fused candidates to rescore
	ModelID    string // for RerankCrossEncoder
	Formula    string // for RerankFormula: literals, + - * /, log(x) over _score and numeric fields
}

// ILMPhase is one stage of a collection's index lifecycle.
type ILMPhase string

const (
	PhaseHot    ILMPhase = "hot"
	PhaseWarm   ILMPhase = "warm"
	PhaseCold   ILMPhase = "cold"
	PhaseFrozen ILMPhase = "frozen"
	PhaseDelete ILMPhase = "delete"
)

// ILMAction is a per-phase automation step.
type ILMAction string

const (
	ActionReadonly     ILMAction = "readonly"
	ActionForceMerge   ILMAction = "force_merge_segments"
	ActionChangeTier   ILMAction = "change_storage_tier"
)

// ILMRollover gates a phase transition on age, size or doc count.
type ILMRollover struct {
	MaxAge      int64 // seconds, 0 = unbounded
	MaxSizeMB   int64 // 0 = unbounded
	MaxDocCount int64 // 0 = unbounded
}

// ILMPhaseSpec pairs a phase with its rollover trigger and actions.
type ILMPhaseSpec struct {
	Phase      ILMPhase
	Rollover   ILMRollover
	Actions    []ILMAction
	StorageTier string // used with ActionChangeTier
}

// ILMPolicy is the ordered hot -> warm -> cold -> frozen -> delete pipeline.
type ILMPolicy struct {
	Phases []ILMPhaseSpec
}

// Quota bounds collection growth; enforced pre-commit (spec §9 Open
// Question 2) so an over-quota batch never reaches a published segment.
type Quota struct {
	MaxSizeMB int64 // 0 = unbounded
}

// Schema is the complete per-collection configuration (spec §3).
type Schema struct {
	Name            string
	Fields          []FieldDef
	K1              float64 // BM25 k1, default 1.2
	B               float64 // BM25 b, default 0.75
	Vector          *VectorSpec
	Embedding       *EmbeddingSpec
	Hybrid          HybridDefaults
	Facets          []string
	Boosting        BoostingSpec
	Reranking       *RerankingSpec
	ILM             *ILMPolicy
	Quota           Quota
	StorageOverride string // per-collection storage tier override
}

// FieldByName looks up a field definition by name.
func (s Schema) FieldByName(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// WithDefaults fills in the documented zero-value defaults (§3, §4.4, §4.8).
func (s Schema) WithDefaults() Schema {
	if s.K1 == 0 {
		s.K1 = 1.2
	}
	if s.B == 0 {
		s.B = 0.75
	}
	if s.Hybrid.Strategy == "" {
		s.Hybrid.Strategy = StrategyRRF
	}
	if s.Hybrid.RRFK == 0 {
		s.Hybrid.RRFK = 60
	}
	if s.Hybrid.TextWeight == 0 && s.Hybrid.VectorWeight == 0 {
		s.Hybrid.TextWeight = 0.5
		s.Hybrid.VectorWeight = 0.5
	}
	if s.Vector != nil {
		if s.Vector.HNSWM == 0 {
			s.Vector.HNSWM = 16
		}
		if s.Vector.HNSWEfConstruction == 0 {
			s.Vector.HNSWEfConstruction = 200
		}
		if s.Vector.HNSWEfSearch == 0 {
			s.Vector.HNSWEfSearch = 64
		}
		if s.Vector.Metric == "" {
			s.Vector.Metric = MetricCosine
		}
	}
	return s
}
