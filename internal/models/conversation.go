// Package models defines the core data structures for CardioCheck.
//
// It includes the conversation states, inbound actions, session records and
// outbound instructions shared across modules.
package models

// State is a named stage of a participant's conversation.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingStart State = "awaiting_start"
	StateAwaitingName  State = "awaiting_name"
	StateAwaitingEmail State = "awaiting_email"
	StateAwaitingPhone State = "awaiting_phone"

	StateSurveyAge                State = "survey_age"
	StateSurveyGender             State = "survey_gender"
	StateSurveyLocation           State = "survey_location"
	StateSurveyEducation          State = "survey_education"
	StateSurveyFamily             State = "survey_family"
	StateSurveyChildren           State = "survey_children"
	StateSurveyIncome             State = "survey_income"
	StateSurveyHealthRating       State = "survey_health_rating"
	StateSurveyDeathCause         State = "survey_death_cause"
	StateSurveyHeartDisease       State = "survey_heart_disease"
	StateSurveyCVRisk             State = "survey_cv_risk"
	StateSurveyCVKnowledge        State = "survey_cv_knowledge"
	StateSurveyHeartDanger        State = "survey_heart_danger"
	StateSurveyHealthImportance   State = "survey_health_importance"
	StateSurveyCheckupHistory     State = "survey_checkup_history"
	StateSurveyCheckupContent     State = "survey_checkup_content"
	StateSurveyPreventionBarriers State = "survey_prevention_barriers"
	StateSurveyHealthAdvice       State = "survey_health_advice"

	StateTestSelection State = "test_selection"

	StateTestHADS       State = "test_hads"
	StateTestBurns      State = "test_burns"
	StateTestISI        State = "test_isi"
	StateTestStopBang   State = "test_stop_bang"
	StateTestESS        State = "test_ess"
	StateTestFagerstrom State = "test_fagerstrom"
	StateTestAudit      State = "test_audit"

	StateCompleted State = "completed"
)

// SurveyStates lists the survey question states in the order they are asked.
var SurveyStates = []State{
	StateSurveyAge,
	StateSurveyGender,
	StateSurveyLocation,
	StateSurveyEducation,
	StateSurveyFamily,
	StateSurveyChildren,
	StateSurveyIncome,
	StateSurveyHealthRating,
	StateSurveyDeathCause,
	StateSurveyHeartDisease,
	StateSurveyCVRisk,
	StateSurveyCVKnowledge,
	StateSurveyHeartDanger,
	StateSurveyHealthImportance,
	StateSurveyCheckupHistory,
	StateSurveyCheckupContent,
	StateSurveyPreventionBarriers,
	StateSurveyHealthAdvice,
}

const surveyStatePrefix = "survey_"

// SurveyQuestionID returns the catalog question id for a survey state.
func (s State) SurveyQuestionID() (string, bool) {
	if !s.IsSurvey() {
		return "", false
	}
	return string(s[len(surveyStatePrefix):]), true
}

// SurveyState returns the state that asks the given survey question.
func SurveyState(questionID string) State {
	return State(surveyStatePrefix + questionID)
}

// SurveyIndex returns the zero-based position of s in SurveyStates, or -1.
func (s State) SurveyIndex() int {
	for i, st := range SurveyStates {
		if st == s {
			return i
		}
	}
	return -1
}

// IsSurvey reports whether s is one of the survey question states.
func (s State) IsSurvey() bool {
	return s.SurveyIndex() >= 0
}

// IsRegistration reports whether s belongs to the registration stage.
func (s State) IsRegistration() bool {
	switch s {
	case StateAwaitingStart, StateAwaitingName, StateAwaitingEmail, StateAwaitingPhone:
		return true
	}
	return false
}

// IsInstrument reports whether s names an instrument in progress.
func (s State) IsInstrument() bool {
	_, ok := s.Instrument()
	return ok
}

// IsTesting reports whether s belongs to the test battery stage.
func (s State) IsTesting() bool {
	return s == StateTestSelection || s.IsInstrument()
}

// Instrument maps an instrument state to its instrument id.
func (s State) Instrument() (InstrumentID, bool) {
	for _, id := range AllInstruments {
		if InstrumentState(id) == s {
			return id, true
		}
	}
	return "", false
}

// InstrumentState returns the state used while instrument id is in progress.
func InstrumentState(id InstrumentID) State {
	return State("test_" + string(id))
}

// Stage returns a coarse, human readable stage name for status reports.
func (s State) Stage() string {
	switch {
	case s == StateIdle:
		return "not started"
	case s.IsRegistration():
		return "registration"
	case s.IsSurvey():
		return "survey"
	case s.IsTesting():
		return "tests"
	case s == StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingStart, StateAwaitingName, StateAwaitingEmail, StateAwaitingPhone,
		StateTestSelection, StateCompleted:
		return true
	}
	return s.IsSurvey() || s.IsInstrument()
}

// InstrumentID identifies one of the seven scored questionnaires.
type InstrumentID string

const (
	InstrumentHADS       InstrumentID = "hads"
	InstrumentBurns      InstrumentID = "burns"
	InstrumentISI        InstrumentID = "isi"
	InstrumentStopBang   InstrumentID = "stop_bang"
	InstrumentESS        InstrumentID = "ess"
	InstrumentFagerstrom InstrumentID = "fagerstrom"
	InstrumentAudit      InstrumentID = "audit"
)

// AllInstruments lists every instrument in presentation order.
var AllInstruments = []InstrumentID{
	InstrumentHADS,
	InstrumentBurns,
	InstrumentISI,
	InstrumentStopBang,
	InstrumentESS,
	InstrumentFagerstrom,
	InstrumentAudit,
}

// Audience selects a subset of registered participants.
type Audience string

const (
	AudienceAll         Audience = "all"
	AudienceCompleted   Audience = "completed"
	AudienceUncompleted Audience = "uncompleted"

	// AudienceAdmins labels test broadcasts sent to the operators. It is
	// not a stored filter.
	AudienceAdmins Audience = "admins"
)

// Valid reports whether a is a known audience filter.
func (a Audience) Valid() bool {
	switch a {
	case AudienceAll, AudienceCompleted, AudienceUncompleted:
		return true
	}
	return false
}
