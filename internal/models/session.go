package models

import (
	"slices"
	"time"
)

// Answers is the typed bag of values collected during a conversation.
type Answers struct {
	Name  Field[string] `json:"name,omitzero"`
	Email Field[string] `json:"email,omitzero"`
	Phone Field[string] `json:"phone,omitzero"`

	Age                Field[int]      `json:"age,omitzero"`
	Gender             Field[string]   `json:"gender,omitzero"`
	Location           Field[string]   `json:"location,omitzero"`
	Education          Field[string]   `json:"education,omitzero"`
	Family             Field[string]   `json:"family,omitzero"`
	Children           Field[string]   `json:"children,omitzero"`
	Income             Field[string]   `json:"income,omitzero"`
	HealthRating       Field[int]      `json:"health_rating,omitzero"`
	DeathCause         Field[string]   `json:"death_cause,omitzero"`
	HeartDisease       Field[string]   `json:"heart_disease,omitzero"`
	CVRisk             Field[string]   `json:"cv_risk,omitzero"`
	CVKnowledge        Field[string]   `json:"cv_knowledge,omitzero"`
	HeartDanger        Field[[]string] `json:"heart_danger,omitzero"`
	HealthImportance   Field[string]   `json:"health_importance,omitzero"`
	CheckupHistory     Field[string]   `json:"checkup_history,omitzero"`
	CheckupContent     Field[[]string] `json:"checkup_content,omitzero"`
	PreventionBarriers Field[[]string] `json:"prevention_barriers,omitzero"`
	HealthAdvice       Field[[]string] `json:"health_advice,omitzero"`

	Results map[InstrumentID]ScoredResult `json:"results,omitempty"`
	Risk    *RiskAssessment               `json:"risk,omitempty"`
}

// InstrumentProgress tracks an instrument while it is being answered.
type InstrumentProgress struct {
	Instrument InstrumentID `json:"instrument"`
	Answers    []int        `json:"answers"`
	Index      int          `json:"index"`
}

// Session is the per-user conversation record. The controller is its only
// writer.
type Session struct {
	UserID          string              `json:"user_id"`
	State           State               `json:"state"`
	Answers         Answers             `json:"answers"`
	Drafts          map[string][]string `json:"drafts,omitempty"`
	Progress        *InstrumentProgress `json:"progress,omitempty"`
	Registered      bool                `json:"registered"`
	SurveyCompleted bool                `json:"survey_completed"`
	Completed       bool                `json:"completed"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewSession returns an idle session for userID.
func NewSession(userID string, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Result returns the stored result for an instrument.
func (s *Session) Result(id InstrumentID) (ScoredResult, bool) {
	r, ok := s.Answers.Results[id]
	return r, ok
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Answers = s.Answers.clone()
	if s.Drafts != nil {
		c.Drafts = make(map[string][]string, len(s.Drafts))
		for k, v := range s.Drafts {
			c.Drafts[k] = slices.Clone(v)
		}
	}
	if s.Progress != nil {
		p := *s.Progress
		p.Answers = slices.Clone(s.Progress.Answers)
		c.Progress = &p
	}
	return &c
}

func (a Answers) clone() Answers {
	c := a
	c.HeartDanger = cloneList(a.HeartDanger)
	c.CheckupContent = cloneList(a.CheckupContent)
	c.PreventionBarriers = cloneList(a.PreventionBarriers)
	c.HealthAdvice = cloneList(a.HealthAdvice)
	if a.Results != nil {
		c.Results = make(map[InstrumentID]ScoredResult, len(a.Results))
		for k, v := range a.Results {
			c.Results[k] = v.clone()
		}
	}
	if a.Risk != nil {
		r := *a.Risk
		r.Flags = slices.Clone(a.Risk.Flags)
		c.Risk = &r
	}
	return c
}

func cloneList(f Field[[]string]) Field[[]string] {
	if v, ok := f.Get(); ok {
		return Value(slices.Clone(v))
	}
	return f
}
