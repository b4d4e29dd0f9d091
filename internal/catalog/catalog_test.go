package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

func TestDefaultCatalogShape(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if c.SurveyLen() != 18 {
		t.Fatalf("survey length = %d, want 18", c.SurveyLen())
	}
	wantItems := map[models.InstrumentID]int{
		models.InstrumentHADS:       14,
		models.InstrumentBurns:      25,
		models.InstrumentISI:        7,
		models.InstrumentStopBang:   8,
		models.InstrumentESS:        8,
		models.InstrumentFagerstrom: 6,
		models.InstrumentAudit:      10,
	}
	total := 0
	for id, n := range wantItems {
		if got := len(c.QuestionsFor(id)); got != n {
			t.Errorf("%s has %d items, want %d", id, got, n)
		}
		total += n
	}
	if total != 78 {
		t.Errorf("total items = %d", total)
	}
}

func TestDefaultCatalogMaxScores(t *testing.T) {
	c := MustDefault()
	want := map[models.InstrumentID]int{
		models.InstrumentHADS:       42,
		models.InstrumentBurns:      100,
		models.InstrumentISI:        28,
		models.InstrumentStopBang:   8,
		models.InstrumentESS:        24,
		models.InstrumentFagerstrom: 10,
		models.InstrumentAudit:      40,
	}
	for id, wantMax := range want {
		in, _ := c.Instrument(id)
		if in.MaxScore() != wantMax {
			t.Errorf("%s max score = %d, want %d", id, in.MaxScore(), wantMax)
		}
	}
}

func TestSurveyOrderMatchesStates(t *testing.T) {
	c := MustDefault()
	for i, q := range c.Survey() {
		if models.SurveyState(q.ID) != models.SurveyStates[i] {
			t.Errorf("question %d is %q", i+1, q.ID)
		}
		if q.Number != i+1 {
			t.Errorf("question %q number = %d", q.ID, q.Number)
		}
	}
}

func TestSurveySelectionBounds(t *testing.T) {
	c := MustDefault()
	tests := []struct {
		id       string
		min, max int
	}{
		{"heart_danger", 1, 3},
		{"health_advice", 1, 2},
		{"checkup_content", 0, 0},
		{"prevention_barriers", 0, 0},
	}
	for _, tt := range tests {
		q, ok := c.SurveyQuestion(tt.id)
		if !ok || q.Kind != KindMulti {
			t.Fatalf("%s missing or not multi", tt.id)
		}
		if q.MinSelected != tt.min || q.MaxSelected != tt.max {
			t.Errorf("%s bounds = %d..%d, want %d..%d", tt.id, q.MinSelected, q.MaxSelected, tt.min, tt.max)
		}
	}
	q, _ := c.SurveyQuestion("checkup_content")
	if o, ok := q.Option("skip"); !ok || !o.Exclusive {
		t.Error("checkup_content should have an exclusive skip option")
	}
	age, _ := c.SurveyQuestion("age")
	if age.Kind != KindInteger || age.Min != 1 || age.Max != 120 {
		t.Errorf("age = %+v", age)
	}
}

func TestHADSSubscalesSplitItems(t *testing.T) {
	in, _ := MustDefault().Instrument(models.InstrumentHADS)
	anx, ok := in.Subscale("anxiety")
	if !ok {
		t.Fatal("anxiety sub-scale missing")
	}
	dep, _ := in.Subscale("depression")
	for _, i := range anx.Items {
		if i%2 != 0 {
			t.Errorf("anxiety item %d should be even-indexed", i)
		}
	}
	for _, i := range dep.Items {
		if i%2 != 1 {
			t.Errorf("depression item %d should be odd-indexed", i)
		}
	}
	if len(anx.Items)+len(dep.Items) != len(in.Questions) {
		t.Error("sub-scales do not cover every item")
	}
}

func TestOptionalInstruments(t *testing.T) {
	c := MustDefault()
	for _, in := range c.Instruments() {
		wantOptional := in.ID == models.InstrumentFagerstrom || in.ID == models.InstrumentAudit
		if in.Optional != wantOptional {
			t.Errorf("%s optional = %v", in.ID, in.Optional)
		}
	}
}

func TestLevelFor(t *testing.T) {
	bands := MustDefault().ThresholdsFor(models.InstrumentISI)
	tests := []struct {
		score int
		level string
	}{
		{0, "none"}, {7, "none"}, {8, "subthreshold"}, {14, "subthreshold"},
		{15, "moderate"}, {21, "moderate"}, {22, "severe"}, {28, "severe"},
	}
	for _, tt := range tests {
		if got := LevelFor(bands, tt.score).Level; got != tt.level {
			t.Errorf("LevelFor(%d) = %q, want %q", tt.score, got, tt.level)
		}
	}
	if LevelFor(nil, 5).Level != "" {
		t.Error("empty bands should yield empty level")
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	base := string(defaultCatalogYAML)
	tests := []struct {
		name string
		edit func(string) string
	}{
		{"unsorted bands", func(s string) string {
			return strings.Replace(s, "{min: 8, level: subthreshold", "{min: 30, level: subthreshold", 1)
		}},
		{"overlapping subscales", func(s string) string {
			return strings.Replace(s, "items: [1, 3, 5, 7, 9, 11, 13]", "items: [0, 3, 5, 7, 9, 11, 13]", 1)
		}},
		{"item out of range", func(s string) string {
			return strings.Replace(s, "items: [1, 3, 5, 7, 9, 11, 13]", "items: [1, 3, 5, 7, 9, 11, 99]", 1)
		}},
		{"missing survey question", func(s string) string {
			return strings.Replace(s, "  - id: income\n", "  - id: revenue\n", 1)
		}},
		{"band not starting at zero", func(s string) string {
			return strings.Replace(s, "{min: 0, level: normal, label: \"normal daytime sleepiness\"}", "{min: 1, level: normal, label: \"x\"}", 1)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edited := tt.edit(base)
			if edited == base {
				t.Fatal("edit did not apply")
			}
			_, err := Parse([]byte(edited))
			if !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("Parse() error = %v, want ErrInvalidCatalog", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, defaultCatalogYAML, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(c.Instruments()) != len(models.AllInstruments) {
		t.Errorf("instruments = %d", len(c.Instruments()))
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
