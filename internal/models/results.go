package models

import "slices"

// SubscaleScore is the score of one sub-scale of a split instrument.
type SubscaleScore struct {
	ID    string `json:"id"`
	Score int    `json:"score"`
	Level string `json:"level"`
}

// ScoredResult is the outcome of one instrument.
type ScoredResult struct {
	Instrument InstrumentID    `json:"instrument"`
	Answers    []int           `json:"answers,omitempty"`
	Score      int             `json:"score"`
	Level      string          `json:"level,omitempty"`
	Subscales  []SubscaleScore `json:"subscales,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
}

// Subscale returns the named sub-scale score.
func (r ScoredResult) Subscale(id string) (SubscaleScore, bool) {
	for _, s := range r.Subscales {
		if s.ID == id {
			return s, true
		}
	}
	return SubscaleScore{}, false
}

func (r ScoredResult) clone() ScoredResult {
	c := r
	c.Answers = slices.Clone(r.Answers)
	c.Subscales = slices.Clone(r.Subscales)
	return c
}

// RiskLevel is the ordered composite cardiovascular risk band.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
	RiskVeryHigh RiskLevel = "VERY_HIGH"
)

// RiskLevels lists the bands from lowest to highest.
var RiskLevels = []RiskLevel{RiskLow, RiskModerate, RiskHigh, RiskVeryHigh}

// RiskAssessment is the composite verdict derived from all scored results.
type RiskAssessment struct {
	Score   int       `json:"score"`
	Level   RiskLevel `json:"level"`
	Factors int       `json:"factors"`
	Flags   []string  `json:"flags,omitempty"`
}
