// Package scoring turns instrument answers into scored results and folds
// those results into a composite cardiovascular risk assessment.
//
// Everything here is a pure function of the catalog and its inputs.
package scoring

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/CardioCheck/internal/catalog"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

// Result is the outcome of one instrument.
type Result = models.ScoredResult

// Assessment is the composite risk verdict.
type Assessment = models.RiskAssessment

var (
	// ErrUnknownInstrument is returned for ids the catalog does not define.
	ErrUnknownInstrument = errors.New("unknown instrument")
	// ErrInvalidAnswers is returned when answers do not fit the instrument.
	ErrInvalidAnswers = errors.New("invalid answers")
	// ErrNotOptional is returned when skipping a mandatory instrument.
	ErrNotOptional = errors.New("instrument is not optional")
)

// Composite level upper bounds, inclusive.
const (
	lowMax      = 3
	moderateMax = 6
	highMax     = 10
)

// Engine scores instruments against a catalog.
type Engine struct {
	cat *catalog.Catalog
}

// NewEngine creates an Engine backed by cat.
func NewEngine(cat *catalog.Catalog) *Engine {
	return &Engine{cat: cat}
}

// Catalog returns the catalog the engine scores against.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.cat
}

// Score computes the total, the level and any sub-scales. answers must hold
// one allowed point value per item, in item order.
func (e *Engine) Score(id models.InstrumentID, answers []int) (Result, error) {
	in, ok := e.cat.Instrument(id)
	if !ok {
		return Result{}, fmt.Errorf("score %q: %w", id, ErrUnknownInstrument)
	}
	if len(answers) != len(in.Questions) {
		return Result{}, fmt.Errorf("score %s: got %d answers for %d items: %w", id, len(answers), len(in.Questions), ErrInvalidAnswers)
	}
	total := 0
	for i, a := range answers {
		if _, ok := in.Questions[i].OptionForPoints(a); !ok {
			return Result{}, fmt.Errorf("score %s: item %d has no option worth %d: %w", id, i+1, a, ErrInvalidAnswers)
		}
		total += a
	}

	res := Result{
		Instrument: id,
		Answers:    append([]int(nil), answers...),
		Score:      total,
	}
	if len(in.Subscales) == 0 {
		res.Level = catalog.LevelFor(in.Bands, total).Level
		return res, nil
	}

	worst := -1
	for _, sub := range in.Subscales {
		score := 0
		for _, item := range sub.Items {
			score += answers[item]
		}
		idx := bandIndex(sub.Bands, score)
		res.Subscales = append(res.Subscales, models.SubscaleScore{
			ID:    sub.ID,
			Score: score,
			Level: sub.Bands[idx].Level,
		})
		if idx > worst {
			worst = idx
			res.Level = sub.Bands[idx].Level
		}
	}
	return res, nil
}

// Skip records an optional instrument as not applicable.
func (e *Engine) Skip(id models.InstrumentID) (Result, error) {
	in, ok := e.cat.Instrument(id)
	if !ok {
		return Result{}, fmt.Errorf("skip %q: %w", id, ErrUnknownInstrument)
	}
	if !in.Optional {
		return Result{}, fmt.Errorf("skip %s: %w", id, ErrNotOptional)
	}
	return Result{Instrument: id, Skipped: true}, nil
}

func bandIndex(bands []catalog.Band, score int) int {
	idx := 0
	for i := 1; i < len(bands); i++ {
		if score < bands[i].Min {
			break
		}
		idx = i
	}
	return idx
}

// Aggregate computes the composite assessment. Skipped and missing results
// contribute nothing. When an instrument appears more than once the highest
// scoring result counts, so the outcome does not depend on input order.
func (e *Engine) Aggregate(results []Result) Assessment {
	best := make(map[models.InstrumentID]Result, len(results))
	for _, r := range results {
		if r.Skipped {
			continue
		}
		if cur, ok := best[r.Instrument]; !ok || r.Score > cur.Score {
			best[r.Instrument] = r
		}
	}

	var a Assessment
	for _, in := range e.cat.Instruments() {
		r, ok := best[in.ID]
		if !ok {
			continue
		}
		if flag := in.Risk; flag != nil && r.Score >= flag.Threshold {
			a.Score += flag.Weight
			a.Flags = append(a.Flags, flag.ID)
		}
		for _, sub := range in.Subscales {
			flag := sub.Risk
			if flag == nil {
				continue
			}
			if s, ok := r.Subscale(sub.ID); ok && s.Score >= flag.Threshold {
				a.Score += flag.Weight
				a.Flags = append(a.Flags, flag.ID)
			}
		}
	}
	a.Factors = len(a.Flags)
	a.Level = LevelForScore(a.Score)
	return a
}

// AggregateMap is Aggregate over a session's result map.
func (e *Engine) AggregateMap(results map[models.InstrumentID]Result) Assessment {
	list := make([]Result, 0, len(results))
	for _, r := range results {
		list = append(list, r)
	}
	return e.Aggregate(list)
}

// LevelForScore maps a composite score to its risk band.
func LevelForScore(score int) models.RiskLevel {
	switch {
	case score <= lowMax:
		return models.RiskLow
	case score <= moderateMax:
		return models.RiskModerate
	case score <= highMax:
		return models.RiskHigh
	default:
		return models.RiskVeryHigh
	}
}

// Missing lists the instruments that still block completion: mandatory ones
// without a score and optional ones neither scored nor skipped.
func (e *Engine) Missing(results map[models.InstrumentID]Result) []models.InstrumentID {
	var out []models.InstrumentID
	for _, in := range e.cat.Instruments() {
		r, ok := results[in.ID]
		if !ok || (r.Skipped && !in.Optional) {
			out = append(out, in.ID)
		}
	}
	return out
}

// LevelLabel returns the human readable label of a level for an instrument
// or one of its sub-scales. subscale may be empty.
func (e *Engine) LevelLabel(id models.InstrumentID, subscale, level string) string {
	in, ok := e.cat.Instrument(id)
	if !ok {
		return level
	}
	bands := in.Bands
	if subscale != "" {
		if sub, ok := in.Subscale(subscale); ok {
			bands = sub.Bands
		}
	}
	for _, b := range bands {
		if b.Level == level {
			return b.Label
		}
	}
	return level
}
