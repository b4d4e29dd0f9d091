// Package catalog holds the static survey questions, instrument items and
// scoring thresholds used by the conversation controller.
//
// The catalog is data, not code: it is parsed from an embedded YAML document
// and validated once. A Catalog is immutable after loading and safe for
// concurrent use.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// MaxYAMLFileSize bounds catalog files loaded from disk.
const MaxYAMLFileSize = 1024 * 1024

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// ErrInvalidCatalog is wrapped by every validation failure.
var ErrInvalidCatalog = errors.New("invalid catalog")

// QuestionKind is the input style of a survey question.
type QuestionKind string

const (
	KindInteger QuestionKind = "integer"
	KindSingle  QuestionKind = "single"
	KindMulti   QuestionKind = "multi"
)

// Option is one selectable answer.
type Option struct {
	ID        string `yaml:"id"`
	Label     string `yaml:"label"`
	Points    int    `yaml:"points"`
	Exclusive bool   `yaml:"exclusive"`
}

// SurveyQuestion is one profile question.
type SurveyQuestion struct {
	ID     string       `yaml:"id"`
	Kind   QuestionKind `yaml:"kind"`
	Text   string       `yaml:"text"`
	Number int          `yaml:"-"`

	// Integer bounds, inclusive.
	Min     int    `yaml:"min"`
	Max     int    `yaml:"max"`
	Invalid string `yaml:"invalid"`

	// MaxSelected of zero means unbounded.
	MinSelected int `yaml:"min_selected"`
	MaxSelected int `yaml:"max_selected"`

	Options []Option `yaml:"options"`
}

// Option returns the option with the given id.
func (q SurveyQuestion) Option(id string) (Option, bool) {
	for _, o := range q.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Question is one instrument item.
type Question struct {
	Text    string   `yaml:"text"`
	Options []Option `yaml:"options"`
}

// OptionForPoints returns the option worth the given number of points.
func (q Question) OptionForPoints(points int) (Option, bool) {
	for _, o := range q.Options {
		if o.Points == points {
			return o, true
		}
	}
	return Option{}, false
}

// MaxPoints is the highest score the item can contribute.
func (q Question) MaxPoints() int {
	best := 0
	for _, o := range q.Options {
		best = max(best, o.Points)
	}
	return best
}

// Band maps a lower score bound to a severity level.
type Band struct {
	Min   int    `yaml:"min"`
	Level string `yaml:"level"`
	Label string `yaml:"label"`
}

// RiskFlag contributes Weight to the composite risk score when the score
// it is attached to reaches Threshold.
type RiskFlag struct {
	ID        string `yaml:"id"`
	Threshold int    `yaml:"threshold"`
	Weight    int    `yaml:"weight"`
}

// Subscale is a named subset of an instrument's items scored separately.
type Subscale struct {
	ID    string    `yaml:"id"`
	Title string    `yaml:"title"`
	Items []int     `yaml:"items"`
	Bands []Band    `yaml:"bands"`
	Risk  *RiskFlag `yaml:"risk"`
}

// Instrument is a scored questionnaire.
type Instrument struct {
	ID        models.InstrumentID `yaml:"id"`
	Title     string              `yaml:"title"`
	Name      string              `yaml:"name"`
	Intro     string              `yaml:"intro"`
	Optional  bool                `yaml:"optional"`
	SkipLabel string              `yaml:"skip_label"`
	Options   []Option            `yaml:"options"`
	Questions []Question          `yaml:"questions"`
	Bands     []Band              `yaml:"bands"`
	Subscales []Subscale          `yaml:"subscales"`
	Risk      *RiskFlag           `yaml:"risk"`
}

// MaxScore is the highest total score the instrument can produce.
func (in Instrument) MaxScore() int {
	total := 0
	for _, q := range in.Questions {
		total += q.MaxPoints()
	}
	return total
}

// Subscale returns the named sub-scale.
func (in Instrument) Subscale(id string) (Subscale, bool) {
	for _, s := range in.Subscales {
		if s.ID == id {
			return s, true
		}
	}
	return Subscale{}, false
}

type catalogYAML struct {
	OptionSets  map[string][]Option `yaml:"option_sets"`
	Survey      []SurveyQuestion    `yaml:"survey"`
	Instruments []Instrument        `yaml:"instruments"`
}

// Catalog is the validated, read-only question and threshold set.
type Catalog struct {
	survey      []SurveyQuestion
	surveyIndex map[string]int
	instruments map[models.InstrumentID]Instrument
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the embedded catalog. It is parsed on first use.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = Parse(defaultCatalogYAML)
	})
	return defaultCatalog, defaultErr
}

// MustDefault is Default for callers that cannot proceed without a catalog.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadFile parses a catalog from disk, replacing the embedded one.
func LoadFile(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog %s: %w", path, err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("catalog %s is %d bytes, limit %d: %w", path, info.Size(), MaxYAMLFileSize, ErrInvalidCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var raw catalogYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		surveyIndex: make(map[string]int, len(raw.Survey)),
		instruments: make(map[models.InstrumentID]Instrument, len(raw.Instruments)),
	}

	if len(raw.Survey) != len(models.SurveyStates) {
		return nil, fmt.Errorf("%w: survey has %d questions, want %d", ErrInvalidCatalog, len(raw.Survey), len(models.SurveyStates))
	}
	for i, q := range raw.Survey {
		want, _ := models.SurveyStates[i].SurveyQuestionID()
		if q.ID != want {
			return nil, fmt.Errorf("%w: survey question %d is %q, want %q", ErrInvalidCatalog, i+1, q.ID, want)
		}
		if err := validateSurveyQuestion(q); err != nil {
			return nil, err
		}
		q.Number = i + 1
		c.surveyIndex[q.ID] = i
		c.survey = append(c.survey, q)
	}

	for _, in := range raw.Instruments {
		if _, dup := c.instruments[in.ID]; dup {
			return nil, fmt.Errorf("%w: instrument %q defined twice", ErrInvalidCatalog, in.ID)
		}
		for i := range in.Questions {
			if len(in.Questions[i].Options) == 0 {
				in.Questions[i].Options = in.Options
			}
		}
		if err := validateInstrument(in); err != nil {
			return nil, err
		}
		c.instruments[in.ID] = in
	}
	for _, id := range models.AllInstruments {
		if _, ok := c.instruments[id]; !ok {
			return nil, fmt.Errorf("%w: instrument %q missing", ErrInvalidCatalog, id)
		}
	}
	if len(c.instruments) != len(models.AllInstruments) {
		return nil, fmt.Errorf("%w: unknown instrument defined", ErrInvalidCatalog)
	}
	return c, nil
}

func validateSurveyQuestion(q SurveyQuestion) error {
	if q.Text == "" {
		return fmt.Errorf("%w: survey question %q has no text", ErrInvalidCatalog, q.ID)
	}
	switch q.Kind {
	case KindInteger:
		if q.Min > q.Max {
			return fmt.Errorf("%w: survey question %q range %d..%d", ErrInvalidCatalog, q.ID, q.Min, q.Max)
		}
	case KindSingle, KindMulti:
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: survey question %q needs at least two options", ErrInvalidCatalog, q.ID)
		}
		seen := make(map[string]bool, len(q.Options))
		exclusive := 0
		for _, o := range q.Options {
			if o.ID == "" || seen[o.ID] {
				return fmt.Errorf("%w: survey question %q has empty or duplicate option %q", ErrInvalidCatalog, q.ID, o.ID)
			}
			seen[o.ID] = true
			if o.Exclusive {
				exclusive++
			}
		}
		if q.Kind == KindSingle && exclusive > 0 {
			return fmt.Errorf("%w: single-choice question %q has an exclusive option", ErrInvalidCatalog, q.ID)
		}
		if exclusive > 1 {
			return fmt.Errorf("%w: survey question %q has %d exclusive options", ErrInvalidCatalog, q.ID, exclusive)
		}
		if q.Kind == KindMulti {
			if q.MinSelected < 0 || (q.MaxSelected > 0 && q.MinSelected > q.MaxSelected) {
				return fmt.Errorf("%w: survey question %q selection bounds %d..%d", ErrInvalidCatalog, q.ID, q.MinSelected, q.MaxSelected)
			}
		}
	default:
		return fmt.Errorf("%w: survey question %q has unknown kind %q", ErrInvalidCatalog, q.ID, q.Kind)
	}
	return nil
}

func validateInstrument(in Instrument) error {
	if in.Name == "" {
		return fmt.Errorf("%w: instrument %q has no name", ErrInvalidCatalog, in.ID)
	}
	if len(in.Questions) == 0 {
		return fmt.Errorf("%w: instrument %q has no questions", ErrInvalidCatalog, in.ID)
	}
	if in.Optional && in.SkipLabel == "" {
		return fmt.Errorf("%w: optional instrument %q has no skip label", ErrInvalidCatalog, in.ID)
	}
	for i, q := range in.Questions {
		if q.Text == "" || len(q.Options) == 0 {
			return fmt.Errorf("%w: instrument %q item %d is incomplete", ErrInvalidCatalog, in.ID, i+1)
		}
		points := make(map[int]bool, len(q.Options))
		for _, o := range q.Options {
			if o.Points < 0 || points[o.Points] {
				return fmt.Errorf("%w: instrument %q item %d has negative or duplicate points %d", ErrInvalidCatalog, in.ID, i+1, o.Points)
			}
			points[o.Points] = true
		}
	}
	if err := validateBands(string(in.ID), in.Bands); err != nil {
		return err
	}
	if err := validateRisk(string(in.ID), in.Risk); err != nil {
		return err
	}
	used := make(map[int]string)
	for _, s := range in.Subscales {
		if len(s.Items) == 0 {
			return fmt.Errorf("%w: sub-scale %s/%s has no items", ErrInvalidCatalog, in.ID, s.ID)
		}
		for _, item := range s.Items {
			if item < 0 || item >= len(in.Questions) {
				return fmt.Errorf("%w: sub-scale %s/%s item %d out of range", ErrInvalidCatalog, in.ID, s.ID, item)
			}
			if other, ok := used[item]; ok {
				return fmt.Errorf("%w: item %d of %s is in both %s and %s", ErrInvalidCatalog, item, in.ID, other, s.ID)
			}
			used[item] = s.ID
		}
		if err := validateBands(string(in.ID)+"/"+s.ID, s.Bands); err != nil {
			return err
		}
		if err := validateRisk(string(in.ID)+"/"+s.ID, s.Risk); err != nil {
			return err
		}
	}
	return nil
}

func validateBands(owner string, bands []Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("%w: %s has no bands", ErrInvalidCatalog, owner)
	}
	if bands[0].Min != 0 {
		return fmt.Errorf("%w: first band of %s starts at %d", ErrInvalidCatalog, owner, bands[0].Min)
	}
	for i, b := range bands {
		if b.Level == "" {
			return fmt.Errorf("%w: band %d of %s has no level", ErrInvalidCatalog, i, owner)
		}
		if i > 0 && b.Min <= bands[i-1].Min {
			return fmt.Errorf("%w: bands of %s are not ascending", ErrInvalidCatalog, owner)
		}
	}
	return nil
}

func validateRisk(owner string, r *RiskFlag) error {
	if r == nil {
		return nil
	}
	if r.ID == "" || r.Weight <= 0 || r.Threshold < 0 {
		return fmt.Errorf("%w: risk flag of %s is malformed", ErrInvalidCatalog, owner)
	}
	return nil
}

// Survey returns the survey questions in order.
func (c *Catalog) Survey() []SurveyQuestion {
	return c.survey
}

// SurveyQuestion returns a survey question by id.
func (c *Catalog) SurveyQuestion(id string) (SurveyQuestion, bool) {
	i, ok := c.surveyIndex[id]
	if !ok {
		return SurveyQuestion{}, false
	}
	return c.survey[i], true
}

// SurveyLen is the number of survey questions.
func (c *Catalog) SurveyLen() int {
	return len(c.survey)
}

// Instrument returns an instrument definition.
func (c *Catalog) Instrument(id models.InstrumentID) (Instrument, bool) {
	in, ok := c.instruments[id]
	return in, ok
}

// Instruments returns all instruments in presentation order.
func (c *Catalog) Instruments() []Instrument {
	out := make([]Instrument, 0, len(models.AllInstruments))
	for _, id := range models.AllInstruments {
		out = append(out, c.instruments[id])
	}
	return out
}

// QuestionsFor returns the items of an instrument, or nil if unknown.
func (c *Catalog) QuestionsFor(id models.InstrumentID) []Question {
	return c.instruments[id].Questions
}

// ThresholdsFor returns the severity bands of an instrument, or nil if unknown.
func (c *Catalog) ThresholdsFor(id models.InstrumentID) []Band {
	return c.instruments[id].Bands
}

// LevelFor returns the band a score falls into. Scores below the first band
// map to the first band.
func LevelFor(bands []Band, score int) Band {
	if len(bands) == 0 {
		return Band{}
	}
	out := bands[0]
	for _, b := range bands[1:] {
		if score < b.Min {
			break
		}
		out = b
	}
	return out
}
