package knowledge

import "time"

// =============================================================================
// Priority Scoring
// =============================================================================

// Mode selects the scoring formula. Direct mode weighs recency, strategic
// value, and access frequency; tool mode weighs the store's own importance
// score instead, since tool results carry it and access counts are opaque
// behind the tool boundary.
type Mode int

const (
	// ModeDirect scores 0.3*recency + 0.25*strategic + 0.25*frequency + 0.2*typeWeight.
	ModeDirect Mode = iota
	// ModeTool scores 0.4*importance + 0.3*typeWeight + 0.3*recency.
	ModeTool
)

// typeWeights is the fixed per-type weight table shared by both modes.
var typeWeights = map[Type]float64{
	TypeProcedural:         0.9,
	TypeTechnicalDiscovery: 0.8,
	TypeExperiential:       0.7,
	TypeContextual:         0.6,
	TypeFactual:            0.5,
	TypeRelational:         0.4,
}

// strategicValues estimates strategic importance from the knowledge type.
// Only direct mode consults it.
var strategicValues = map[Type]float64{
	TypeTechnicalDiscovery: 0.9,
	TypeProcedural:         0.8,
	TypeExperiential:       0.7,
	TypeContextual:         0.6,
	TypeFactual:            0.5,
	TypeRelational:         0.4,
}

const (
	defaultWeight      = 0.5
	recencyWindowDays  = 30.0
	frequencyCeiling   = 10.0
	defaultImportance  = 50
	defaultAccessCount = 1
)

// Scorer computes the cache priority of a knowledge item in [0, 1].
type Scorer struct {
	mode Mode
	now  func() time.Time
}

// NewScorer creates a scorer for the given mode.
func NewScorer(mode Mode) *Scorer {
	return &Scorer{mode: mode, now: time.Now}
}

// NewScorerWithClock creates a scorer with a fixed clock, pinning recency.
func NewScorerWithClock(mode Mode, now func() time.Time) *Scorer {
	return &Scorer{mode: mode, now: now}
}

// Mode reports the scoring mode.
func (s *Scorer) Mode() Mode { return s.mode }

// Score returns the cache priority for item, clamped to [0, 1].
func (s *Scorer) Score(item Item) float64 {
	switch s.mode {
	case ModeTool:
		return clamp01(0.4*s.importance(item) + 0.3*s.typeWeight(item) + 0.3*s.recency(item))
	default:
		return clamp01(0.3*s.recency(item) + 0.25*s.strategicValue(item) +
			0.25*s.frequency(item) + 0.2*s.typeWeight(item))
	}
}

// recency decays linearly from 1 to 0 over 30 days. Age is whole days, so
// repeated scoring of the same item yields the same value. A zero CreatedAt
// is treated as now.
func (s *Scorer) recency(item Item) float64 {
	if item.CreatedAt.IsZero() {
		return 1
	}
	ageDays := int(s.now().Sub(item.CreatedAt).Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}
	r := 1 - float64(ageDays)/recencyWindowDays
	if r < 0 {
		return 0
	}
	return r
}

// frequency normalizes the access count against a ceiling of 10 accesses.
func (s *Scorer) frequency(item Item) float64 {
	count := item.AccessCount
	if count <= 0 {
		count = defaultAccessCount
	}
	f := float64(count) / frequencyCeiling
	if f > 1 {
		return 1
	}
	return f
}

// importance maps the 0-100 store importance score into [0, 1].
func (s *Scorer) importance(item Item) float64 {
	score := item.ImportanceScore
	if score <= 0 {
		score = defaultImportance
	}
	if score > 100 {
		score = 100
	}
	return float64(score) / 100
}

func (s *Scorer) typeWeight(item Item) float64 {
	if w, ok := typeWeights[item.KnowledgeType.Normalize()]; ok {
		return w
	}
	return defaultWeight
}

func (s *Scorer) strategicValue(item Item) float64 {
	if v, ok := strategicValues[item.KnowledgeType.Normalize()]; ok {
		return v
	}
	return defaultWeight
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
