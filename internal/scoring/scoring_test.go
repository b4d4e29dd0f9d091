package scoring

import (
	"encoding/json"
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/BTreeMap/CardioCheck/internal/catalog"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return NewEngine(cat)
}

// hadsAnswers interleaves anxiety (even index) and depression (odd index) items.
func hadsAnswers(anxiety, depression []int) []int {
	out := make([]int, 0, 14)
	for i := 0; i < 7; i++ {
		out = append(out, anxiety[i], depression[i])
	}
	return out
}

func TestScoreHADSSplitsSubscales(t *testing.T) {
	e := newTestEngine(t)
	answers := hadsAnswers([]int{3, 3, 2, 2, 1, 1, 0}, []int{1, 1, 1, 1, 1, 1, 0})
	res, err := e.Score(models.InstrumentHADS, answers)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	anx, _ := res.Subscale("anxiety")
	dep, _ := res.Subscale("depression")
	if anx.Score != 12 || anx.Level != "clinical" {
		t.Errorf("anxiety = %+v, want 12/clinical", anx)
	}
	if dep.Score != 6 || dep.Level != "none" {
		t.Errorf("depression = %+v, want 6/none", dep)
	}
	if res.Score != 18 {
		t.Errorf("total = %d, want 18", res.Score)
	}
	if res.Level != "clinical" {
		t.Errorf("overall level = %q, want the worse sub-scale", res.Level)
	}
}

func TestScoreHADSBoundaries(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		anxiety []int
		level   string
	}{
		{[]int{1, 1, 1, 1, 1, 1, 1}, "none"},
		{[]int{2, 1, 1, 1, 1, 1, 1}, "subclinical"},
		{[]int{3, 2, 1, 1, 1, 1, 1}, "subclinical"},
		{[]int{3, 3, 1, 1, 1, 1, 1}, "clinical"},
	}
	zeros := []int{0, 0, 0, 0, 0, 0, 0}
	for _, tt := range tests {
		res, err := e.Score(models.InstrumentHADS, hadsAnswers(tt.anxiety, zeros))
		if err != nil {
			t.Fatalf("Score() error: %v", err)
		}
		anx, _ := res.Subscale("anxiety")
		if anx.Level != tt.level {
			t.Errorf("anxiety %d -> %q, want %q", anx.Score, anx.Level, tt.level)
		}
	}
}

func TestScoreSumsAnswers(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(1))
	for _, in := range e.Catalog().Instruments() {
		for round := 0; round < 20; round++ {
			answers := make([]int, len(in.Questions))
			sum := 0
			for i, q := range in.Questions {
				answers[i] = q.Options[rng.Intn(len(q.Options))].Points
				sum += answers[i]
			}
			first, err := e.Score(in.ID, answers)
			if err != nil {
				t.Fatalf("%s: Score() error: %v", in.ID, err)
			}
			if first.Score != sum {
				t.Fatalf("%s: score %d, want sum %d", in.ID, first.Score, sum)
			}
			again, _ := e.Score(in.ID, answers)
			if !reflect.DeepEqual(first, again) {
				t.Fatalf("%s: scoring is not deterministic", in.ID)
			}
		}
	}
}

func TestScoreBands(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		id      models.InstrumentID
		answers []int
		level   string
	}{
		{models.InstrumentStopBang, []int{1, 1, 0, 0, 0, 0, 0, 0}, "low"},
		{models.InstrumentStopBang, []int{1, 1, 1, 0, 0, 0, 0, 0}, "intermediate"},
		{models.InstrumentStopBang, []int{1, 1, 1, 1, 1, 0, 0, 0}, "high"},
		{models.InstrumentESS, []int{3, 3, 3, 3, 1, 0, 0, 0}, "moderate"},
		{models.InstrumentFagerstrom, []int{3, 1, 1, 0, 0, 0}, "medium"},
		{models.InstrumentAudit, []int{4, 4, 4, 4, 0, 0, 0, 0, 0, 0}, "harmful"},
		{models.InstrumentAudit, []int{4, 4, 4, 4, 4, 0, 0, 0, 0, 0}, "dependence"},
	}
	for _, tt := range tests {
		res, err := e.Score(tt.id, tt.answers)
		if err != nil {
			t.Fatalf("%s: %v", tt.id, err)
		}
		if res.Level != tt.level {
			t.Errorf("%s %v -> %q (score %d), want %q", tt.id, tt.answers, res.Level, res.Score, tt.level)
		}
	}
}

func TestScoreRejectsInvalidAnswers(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Score(models.InstrumentISI, []int{1, 2}); !errors.Is(err, ErrInvalidAnswers) {
		t.Errorf("short answers error = %v", err)
	}
	if _, err := e.Score(models.InstrumentStopBang, []int{2, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrInvalidAnswers) {
		t.Errorf("out of range answer error = %v", err)
	}
	// AUDIT harm items only accept 0, 2 or 4.
	if _, err := e.Score(models.InstrumentAudit, []int{0, 0, 0, 0, 0, 0, 0, 0, 1, 0}); !errors.Is(err, ErrInvalidAnswers) {
		t.Errorf("audit 1 on harm item error = %v", err)
	}
	if _, err := e.Score("nope", nil); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("unknown instrument error = %v", err)
	}
}

func TestSkip(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Skip(models.InstrumentAudit)
	if err != nil || !res.Skipped {
		t.Fatalf("Skip(audit) = %+v, %v", res, err)
	}
	if _, err := e.Skip(models.InstrumentHADS); !errors.Is(err, ErrNotOptional) {
		t.Errorf("Skip(hads) error = %v", err)
	}
}

func mustScore(t *testing.T, e *Engine, id models.InstrumentID, answers []int) Result {
	t.Helper()
	r, err := e.Score(id, answers)
	if err != nil {
		t.Fatalf("%s: %v", id, err)
	}
	return r
}

func fullBattery(t *testing.T, e *Engine) []Result {
	t.Helper()
	burns := make([]int, 25)
	for i := range burns {
		burns[i] = 2
	}
	return []Result{
		mustScore(t, e, models.InstrumentHADS, hadsAnswers([]int{3, 3, 2, 2, 1, 1, 0}, []int{3, 3, 2, 2, 1, 1, 0})),
		mustScore(t, e, models.InstrumentBurns, burns),
		mustScore(t, e, models.InstrumentISI, []int{3, 3, 3, 3, 2, 1, 0}),
		mustScore(t, e, models.InstrumentStopBang, []int{1, 1, 0, 0, 0, 0, 0, 0}),
		mustScore(t, e, models.InstrumentESS, []int{3, 3, 3, 3, 3, 3, 3, 3}),
		mustScore(t, e, models.InstrumentFagerstrom, []int{3, 1, 1, 3, 1, 1}),
		mustScore(t, e, models.InstrumentAudit, []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}),
	}
}

func TestAggregateWeights(t *testing.T) {
	e := newTestEngine(t)
	a := e.Aggregate(fullBattery(t, e))
	// anxiety 2 + depression 3 + burns 2 + insomnia 2 + nicotine 3.
	if a.Score != 12 {
		t.Errorf("score = %d, want 12 (flags %v)", a.Score, a.Flags)
	}
	if a.Level != models.RiskVeryHigh {
		t.Errorf("level = %s", a.Level)
	}
	if a.Factors != 5 {
		t.Errorf("factors = %d, want 5", a.Factors)
	}
}

func TestAggregateOrderIndependentAndIdempotent(t *testing.T) {
	e := newTestEngine(t)
	results := fullBattery(t, e)
	want, _ := json.Marshal(e.Aggregate(results))
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		shuffled := append([]Result(nil), results...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, _ := json.Marshal(e.Aggregate(shuffled))
		if string(got) != string(want) {
			t.Fatalf("permutation %d: %s, want %s", i, got, want)
		}
	}
}

func TestAggregateSkippedContributeNothing(t *testing.T) {
	e := newTestEngine(t)
	results := fullBattery(t, e)[:5]
	fag, _ := e.Skip(models.InstrumentFagerstrom)
	audit, _ := e.Skip(models.InstrumentAudit)
	results = append(results, fag, audit)

	a := e.Aggregate(results)
	if a.Score != 9 || a.Factors != 4 {
		t.Errorf("assessment = %+v, want score 9 with 4 factors", a)
	}
	if a.Level != models.RiskHigh {
		t.Errorf("level = %s, want HIGH", a.Level)
	}

	byID := make(map[models.InstrumentID]Result)
	for _, r := range results {
		byID[r.Instrument] = r
	}
	if missing := e.Missing(byID); len(missing) != 0 {
		t.Errorf("Missing() = %v, want none", missing)
	}
}

func TestAggregateEmpty(t *testing.T) {
	a := newTestEngine(t).Aggregate(nil)
	if a.Score != 0 || a.Level != models.RiskLow || a.Factors != 0 {
		t.Errorf("Aggregate(nil) = %+v", a)
	}
}

func TestAggregateDuplicateKeepsHighest(t *testing.T) {
	e := newTestEngine(t)
	low := mustScore(t, e, models.InstrumentStopBang, []int{0, 0, 0, 0, 0, 0, 0, 0})
	high := mustScore(t, e, models.InstrumentStopBang, []int{1, 1, 1, 1, 1, 0, 0, 0})
	a := e.Aggregate([]Result{high, low})
	b := e.Aggregate([]Result{low, high})
	if a.Score != 3 || !reflect.DeepEqual(a, b) {
		t.Errorf("duplicates: %+v vs %+v", a, b)
	}
}

func TestMissing(t *testing.T) {
	e := newTestEngine(t)
	results := map[models.InstrumentID]Result{
		models.InstrumentHADS:  {Instrument: models.InstrumentHADS},
		models.InstrumentAudit: {Instrument: models.InstrumentAudit, Skipped: true},
		models.InstrumentISI:   {Instrument: models.InstrumentISI, Skipped: true},
	}
	got := e.Missing(results)
	want := []models.InstrumentID{
		models.InstrumentBurns,
		models.InstrumentISI,
		models.InstrumentStopBang,
		models.InstrumentESS,
		models.InstrumentFagerstrom,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  models.RiskLevel
	}{
		{0, models.RiskLow}, {3, models.RiskLow}, {4, models.RiskModerate}, {6, models.RiskModerate},
		{7, models.RiskHigh}, {10, models.RiskHigh}, {11, models.RiskVeryHigh},
	}
	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestLevelLabel(t *testing.T) {
	e := newTestEngine(t)
	if got := e.LevelLabel(models.InstrumentHADS, "anxiety", "clinical"); got != "clinically significant anxiety" {
		t.Errorf("LevelLabel = %q", got)
	}
	if got := e.LevelLabel(models.InstrumentISI, "", "moderate"); got != "moderate clinical insomnia" {
		t.Errorf("LevelLabel = %q", got)
	}
}
