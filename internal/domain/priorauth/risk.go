package priorauth

import "fmt"

// Scorer produces a denial-risk assessment for a request. Implementations
// must be deterministic: identical input always yields identical output, so
// the stored snapshot can be explained to reviewers after the fact. The
// rule-based RuleScorer below can be swapped for a trained model without
// touching the orchestrator.
type Scorer interface {
	Score(req *PriorAuthRequest) (RiskAssessment, error)
}

// Rule increments of the additive risk model. Each fired rule contributes one
// ordered entry to the factors list; the running total is clamped to [0,1].
const (
	weightHighComplexity = 0.20
	weightMissingDocs    = 0.25
	weightMultiDiagnosis = 0.10
	weightProviderFlag   = 0.15

	defaultBaseRate = 0.15

	thresholdMedium = 0.3
	thresholdHigh   = 0.6
)

// RuleScorer is the additive rule-based risk model. Zero I/O, no randomness.
type RuleScorer struct {
	// BaseRates maps payer name to its historical base denial rate. Unknown
	// payers use DefaultRate.
	BaseRates   map[string]float64
	DefaultRate float64
	// HighComplexity is the set of procedure codes carrying the complexity
	// increment.
	HighComplexity map[string]bool
	// AdverseProviders flags provider NPIs with an elevated denial history.
	AdverseProviders map[string]bool
}

// NewRuleScorer returns a scorer configured with the historical payer denial
// rates and the high-complexity procedure set.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{
		BaseRates: map[string]float64{
			PayerUHC:   0.15,
			PayerCigna: 0.18,
			PayerAetna: 0.12,
		},
		DefaultRate: defaultBaseRate,
		HighComplexity: map[string]bool{
			"99203": true, // high-level office visits
			"99204": true,
			"99205": true,
			"27447": true, // total knee arthroplasty
			"43644": true, // laparoscopic gastric bypass
			"72148": true, // MRI lumbar spine
		},
		AdverseProviders: map[string]bool{},
	}
}

// Score applies the additive factor model. A missing procedure code should be
// caught upstream; if it reaches here the scorer fails with
// ErrIncompleteRequest rather than silently scoring zero.
func (s *RuleScorer) Score(req *PriorAuthRequest) (RiskAssessment, error) {
	if req == nil || req.ProcedureCode == "" {
		return RiskAssessment{}, fmt.Errorf("%w: procedure code is required for scoring", ErrIncompleteRequest)
	}

	base, ok := s.BaseRates[req.Payer]
	if !ok {
		base = s.DefaultRate
	}
	score := base
	var factors []RiskFactor

	if s.HighComplexity[req.ProcedureCode] {
		score += weightHighComplexity
		factors = append(factors, RiskFactor{
			Name:   "High-complexity procedure",
			Impact: impactFor(weightHighComplexity),
			Weight: weightHighComplexity,
		})
	}
	if len(req.SupportingDocs) == 0 {
		score += weightMissingDocs
		factors = append(factors, RiskFactor{
			Name:   "Missing supporting documentation",
			Impact: impactFor(weightMissingDocs),
			Weight: weightMissingDocs,
		})
	}
	if len(req.DiagnosisCodes) > 1 {
		score += weightMultiDiagnosis
		factors = append(factors, RiskFactor{
			Name:   "Multiple diagnosis codes",
			Impact: impactFor(weightMultiDiagnosis),
			Weight: weightMultiDiagnosis,
		})
	}
	if s.AdverseProviders[req.ProviderNPI] {
		score += weightProviderFlag
		factors = append(factors, RiskFactor{
			Name:   "Provider has elevated denial history",
			Impact: impactFor(weightProviderFlag),
			Weight: weightProviderFlag,
		})
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}

	return RiskAssessment{
		Score:      score,
		Level:      levelFor(score),
		Factors:    factors,
		Confidence: confidenceFor(len(factors)),
	}, nil
}

func levelFor(score float64) RiskLevel {
	switch {
	case score < thresholdMedium:
		return RiskLow
	case score < thresholdHigh:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func impactFor(weight float64) Impact {
	switch {
	case weight >= 0.20:
		return ImpactHigh
	case weight >= 0.10:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// confidenceFor grows slightly with the number of fired factors and is capped
// at 0.95, reflecting rule-overlap uncertainty: 0.75 + 0.05*min(n, 4).
func confidenceFor(factorCount int) float64 {
	n := factorCount
	if n > 4 {
		n = 4
	}
	c := 0.75 + 0.05*float64(n)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// Recommendations maps contributing factors to concrete actions that reduce
// denial risk, for the explain projection.
func Recommendations(a RiskAssessment) []string {
	var recs []string
	for _, f := range a.Factors {
		switch f.Name {
		case "Missing supporting documentation":
			recs = append(recs, "Add clinical notes and medical necessity documentation")
		case "High-complexity procedure":
			recs = append(recs, "Include detailed procedure justification")
		case "Multiple diagnosis codes":
			recs = append(recs, "Prioritize the primary diagnosis code")
		case "Provider has elevated denial history":
			recs = append(recs, "Review provider credentialing and prior submissions")
		}
	}
	if a.Level == RiskHigh {
		recs = append(recs, "Hold for human review before submission")
	}
	return recs
}
