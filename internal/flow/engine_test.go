package flow

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CardioCheck/internal/catalog"
	"github.com/BTreeMap/CardioCheck/internal/models"
	"github.com/BTreeMap/CardioCheck/internal/scoring"
)

const testUser = "user-1"

var testNow = time.Date(2025, 7, 30, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	base := []Option{WithClock(func() time.Time { return testNow })}
	return NewEngine(scoring.NewEngine(cat), append(base, opts...)...)
}

// step advances sess and returns the transition plus the session to use for
// the next step.
func step(t *testing.T, e *Engine, sess *models.Session, a models.Action) (Transition, *models.Session) {
	t.Helper()
	tr := e.Advance(sess, a)
	if tr.Patch != nil {
		return tr, tr.Patch
	}
	return tr, sess
}

func text(s string) models.Action { return models.NewTextAction(testUser, s) }

func callback(data string) models.Action { return models.NewCallbackAction(testUser, data) }

func ownContact() models.Action {
	return models.NewContactAction(testUser, models.Contact{Phone: "+15550100", OwnerID: testUser})
}

func lastText(tr Transition) string {
	if len(tr.Outbound) == 0 {
		return ""
	}
	return tr.Outbound[len(tr.Outbound)-1].Text
}

func hasNotice(tr Transition, msg string) bool {
	for _, o := range tr.Outbound {
		if o.Notice && o.Text == msg {
			return true
		}
	}
	return false
}

func registered(t *testing.T, e *Engine) *models.Session {
	t.Helper()
	sess := models.NewSession(testUser, testNow)
	for _, a := range []models.Action{text("/start"), callback(models.CallbackBegin), text("Olga"), text("olga@example.com"), ownContact()} {
		_, sess = step(t, e, sess, a)
	}
	require.Equal(t, models.StateSurveyAge, sess.State)
	return sess
}

// surveyed answers every survey question with a valid answer.
func surveyed(t *testing.T, e *Engine) *models.Session {
	t.Helper()
	sess := registered(t, e)
	for _, q := range e.cat.Survey() {
		switch q.Kind {
		case catalog.KindInteger:
			_, sess = step(t, e, sess, text(strconv.Itoa(q.Max)))
		case catalog.KindSingle:
			_, sess = step(t, e, sess, callback(models.ChoiceCallback(q.ID, q.Options[0].ID)))
		case catalog.KindMulti:
			_, sess = step(t, e, sess, callback(models.ToggleCallback(q.ID, q.Options[0].ID)))
			_, sess = step(t, e, sess, callback(models.DoneCallback(q.ID)))
		}
	}
	require.Equal(t, models.StateTestSelection, sess.State)
	return sess
}

// takeInstrument answers every item of id with pick and returns the
// session back at test selection.
func takeInstrument(t *testing.T, e *Engine, sess *models.Session, id models.InstrumentID, pick func(catalog.Question) int) (Transition, *models.Session) {
	t.Helper()
	_, sess = step(t, e, sess, callback(models.SelectTestCallback(id)))
	require.Equal(t, models.InstrumentState(id), sess.State)
	var tr Transition
	for _, q := range e.cat.QuestionsFor(id) {
		tr, sess = step(t, e, sess, callback(models.AnswerCallback(pick(q))))
	}
	require.Equal(t, models.StateTestSelection, sess.State)
	return tr, sess
}

func maxPoints(q catalog.Question) int { return q.MaxPoints() }

func minPoints(q catalog.Question) int {
	low := q.Options[0].Points
	for _, o := range q.Options {
		low = min(low, o.Points)
	}
	return low
}

func TestRegistration(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)

	tr, sess := step(t, e, sess, text("/start"))
	assert.Equal(t, models.StateAwaitingStart, tr.Next)
	require.Len(t, tr.Outbound, 1)
	assert.Equal(t, models.CallbackBegin, tr.Outbound[0].Flatten()[0].Data)

	tr, sess = step(t, e, sess, callback(models.CallbackBegin))
	assert.Equal(t, models.StateAwaitingName, tr.Next)

	tr, sess = step(t, e, sess, text("   "))
	assert.Nil(t, tr.Patch)
	assert.True(t, hasNotice(tr, msgNameEmpty))
	assert.Equal(t, models.StateAwaitingName, tr.Next)

	tr, sess = step(t, e, sess, text("  Olga "))
	assert.Equal(t, models.StateAwaitingEmail, tr.Next)
	assert.Equal(t, "Olga", sess.Answers.Name.OrElse(""))

	tr, sess = step(t, e, sess, text("olga.example.com"))
	assert.True(t, hasNotice(tr, msgEmailInvalid))
	tr, sess = step(t, e, sess, text("olga@example"))
	assert.True(t, hasNotice(tr, msgEmailInvalid))

	tr, sess = step(t, e, sess, text("olga@example.com"))
	assert.Equal(t, models.StateAwaitingPhone, tr.Next)
	assert.True(t, tr.Outbound[len(tr.Outbound)-1].RequestContact)

	tr, sess = step(t, e, sess, text("+15550100"))
	assert.True(t, hasNotice(tr, msgPhoneUseButton))
	assert.Equal(t, models.StateAwaitingPhone, tr.Next)

	other := models.NewContactAction(testUser, models.Contact{Phone: "+15550199", OwnerID: "someone-else"})
	tr, sess = step(t, e, sess, other)
	assert.True(t, hasNotice(tr, msgPhoneNotOwn))
	assert.False(t, sess.Registered)

	tr, sess = step(t, e, sess, ownContact())
	assert.Equal(t, models.StateSurveyAge, tr.Next)
	assert.True(t, sess.Registered)
	assert.Equal(t, "+15550100", sess.Answers.Phone.OrElse(""))
	assert.Contains(t, tr.Events, Activity{Action: "registration_completed", Details: "+15550100"})
}

func TestSurveyAge(t *testing.T) {
	e := newTestEngine(t)
	sess := registered(t, e)

	tr := e.Advance(sess, text("0"))
	assert.Equal(t, models.StateSurveyAge, tr.Next)
	assert.Nil(t, tr.Patch)
	assert.True(t, hasNotice(tr, "Please enter a valid age."))
	assert.Contains(t, lastText(tr), "How old are you?")

	tr = e.Advance(sess, text("121"))
	assert.True(t, hasNotice(tr, "Please enter a valid age."))

	tr = e.Advance(sess, text("seventeen"))
	assert.True(t, hasNotice(tr, "Please enter a number"))
	assert.Equal(t, models.StateSurveyAge, tr.Next)

	tr = e.Advance(sess, text("17"))
	assert.Equal(t, models.StateSurveyGender, tr.Next)
	require.NotNil(t, tr.Patch)
	assert.Equal(t, 17, tr.Patch.Answers.Age.OrElse(0))
	assert.Equal(t, []Activity{{Action: "age_entered", Details: "17"}}, tr.Events)
	assert.Contains(t, lastText(tr), "Your gender")
}

func TestSurveyHealthRatingBounds(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)
	sess.State = models.StateSurveyHealthRating

	tr := e.Advance(sess, text("11"))
	assert.True(t, hasNotice(tr, "Please enter a number from 0 to 10."))
	tr = e.Advance(sess, text("0"))
	assert.Equal(t, models.StateSurveyDeathCause, tr.Next)
	assert.True(t, tr.Patch.Answers.HealthRating.IsSet())
}

func TestSurveySingleChoice(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)
	sess.State = models.StateSurveyGender

	tr := e.Advance(sess, callback(models.ChoiceCallback("gender", "robot")))
	assert.True(t, hasNotice(tr, msgUseButtons))
	assert.Nil(t, tr.Patch)

	tr = e.Advance(sess, callback(models.ChoiceCallback("location", "village")))
	assert.Nil(t, tr.Patch, "choice for another question is ignored")
	assert.Equal(t, models.StateSurveyGender, tr.Next)

	tr = e.Advance(sess, callback(models.ChoiceCallback("gender", "female")))
	assert.Equal(t, models.StateSurveyLocation, tr.Next)
	assert.Equal(t, "female", tr.Patch.Answers.Gender.OrElse(""))
}

func TestSurveyMultiSelectCardinality(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)
	sess.State = models.StateSurveyHeartDanger

	tr, sess := step(t, e, sess, callback(models.DoneCallback("heart_danger")))
	assert.True(t, hasNotice(tr, msgChooseAtLeastOne))
	assert.Equal(t, models.StateSurveyHeartDanger, sess.State)

	for _, opt := range []string{"smoking", "stress", "pressure"} {
		_, sess = step(t, e, sess, callback(models.ToggleCallback("heart_danger", opt)))
	}
	assert.Equal(t, []string{"smoking", "stress", "pressure"}, sess.Drafts["heart_danger"])

	tr, sess = step(t, e, sess, callback(models.ToggleCallback("heart_danger", "weight")))
	assert.Nil(t, tr.Patch)
	assert.True(t, hasNotice(tr, "You can choose at most 3 options. Remove one first."))
	assert.Equal(t, []string{"smoking", "stress", "pressure"}, sess.Drafts["heart_danger"])

	// Toggling twice restores the previous set.
	before := append([]string(nil), sess.Drafts["heart_danger"]...)
	_, sess = step(t, e, sess, callback(models.ToggleCallback("heart_danger", "stress")))
	assert.Equal(t, []string{"smoking", "pressure"}, sess.Drafts["heart_danger"])
	_, sess = step(t, e, sess, callback(models.ToggleCallback("heart_danger", "stress")))
	assert.ElementsMatch(t, before, sess.Drafts["heart_danger"])

	tr, sess = step(t, e, sess, callback(models.DoneCallback("heart_danger")))
	assert.Equal(t, models.StateSurveyHealthImportance, tr.Next)
	assert.Len(t, sess.Answers.HeartDanger.OrElse(nil), 3)
	assert.Nil(t, sess.Drafts)
}

func TestSurveyMultiSelectRendersChecks(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)
	sess.State = models.StateSurveyHealthAdvice

	tr, _ := step(t, e, sess, callback(models.ToggleCallback("health_advice", "doctor")))
	require.Len(t, tr.Outbound, 1)
	buttons := tr.Outbound[0].Flatten()
	assert.Equal(t, "✅ A doctor", buttons[0].Label)
	assert.Equal(t, "Relatives", buttons[1].Label)
	assert.Equal(t, models.DoneCallback("health_advice"), buttons[len(buttons)-1].Data)
}

func TestSurveyExclusiveOption(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)
	sess.State = models.StateSurveyCheckupContent

	_, sess = step(t, e, sess, callback(models.ToggleCallback("checkup_content", "ecg")))
	_, sess = step(t, e, sess, callback(models.ToggleCallback("checkup_content", "lipids")))
	_, sess = step(t, e, sess, callback(models.ToggleCallback("checkup_content", "skip")))
	assert.Equal(t, []string{"skip"}, sess.Drafts["checkup_content"])

	_, sess = step(t, e, sess, callback(models.ToggleCallback("checkup_content", "ecg")))
	assert.Equal(t, []string{"ecg"}, sess.Drafts["checkup_content"])
}

func TestSurveyOptionalMultiAcceptsEmpty(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)
	sess.State = models.StateSurveyPreventionBarriers

	tr := e.Advance(sess, callback(models.DoneCallback("prevention_barriers")))
	assert.Equal(t, models.StateSurveyHealthAdvice, tr.Next)
	got, ok := tr.Patch.Answers.PreventionBarriers.Get()
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestToggleUnbounded(t *testing.T) {
	cat := catalog.MustDefault()
	q, ok := cat.SurveyQuestion("prevention_barriers")
	require.True(t, ok)
	var sel []string
	var err error
	for _, o := range q.Options {
		sel, err = Toggle(q, sel, o.ID)
		require.NoError(t, err)
	}
	assert.Len(t, sel, len(q.Options))
}

func TestSurveyCompletesIntoTestSelection(t *testing.T) {
	e := newTestEngine(t)
	sess := surveyed(t, e)
	assert.True(t, sess.SurveyCompleted)
	assert.Equal(t, 120, sess.Answers.Age.OrElse(0))
	assert.True(t, sess.Answers.HealthAdvice.IsSet())
	assert.True(t, sess.Answers.Income.IsSet())
}

func TestEverySurveyQuestionHasAField(t *testing.T) {
	cat := catalog.MustDefault()
	var a models.Answers
	for _, q := range cat.Survey() {
		switch q.Kind {
		case catalog.KindInteger:
			assert.NotNil(t, intField(&a, q.ID), q.ID)
		case catalog.KindSingle:
			assert.NotNil(t, stringField(&a, q.ID), q.ID)
		case catalog.KindMulti:
			assert.NotNil(t, listField(&a, q.ID), q.ID)
		}
	}
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	e := newTestEngine(t)
	sess := registered(t, e)
	snapshot := sess.Clone()

	tr := e.Advance(sess, text("42"))
	require.NotNil(t, tr.Patch)
	assert.Equal(t, snapshot, sess)
}

func TestInvalidActionRepromptsWithoutTransition(t *testing.T) {
	e := newTestEngine(t)
	sess := registered(t, e)

	tr := e.Advance(sess, callback(models.AnswerCallback(2)))
	assert.Nil(t, tr.Patch)
	assert.Equal(t, models.StateSurveyAge, tr.Next)
	assert.Contains(t, lastText(tr), "How old are you?")

	tr = e.Advance(sess, models.NewMediaAction(testUser, "photo"))
	assert.True(t, hasNotice(tr, msgTextOnly))
	assert.Equal(t, models.StateSurveyAge, tr.Next)
}

func TestCommands(t *testing.T) {
	e := newTestEngine(t, WithWebinar(time.Date(2025, 8, 3, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600)), ""))
	idle := models.NewSession(testUser, testNow)

	tr := e.Advance(idle, text("/help"))
	assert.Contains(t, lastText(tr), "1. Send /start")
	assert.Nil(t, tr.Patch)

	tr = e.Advance(idle, text("/status"))
	assert.Contains(t, lastText(tr), "not started")

	sess := registered(t, e)
	tr = e.Advance(sess, text("/help"))
	assert.Contains(t, lastText(tr), "in progress")

	tr = e.Advance(sess, text("/status"))
	assert.Contains(t, lastText(tr), "Registration complete")
	assert.Contains(t, lastText(tr), "Survey in progress (0/18)")

	tr = e.Advance(sess, text("/start"))
	require.Len(t, tr.Outbound, 1)
	var data []string
	for _, b := range tr.Outbound[0].Flatten() {
		data = append(data, b.Data)
	}
	assert.Equal(t, []string{models.CallbackContinue, models.CallbackRestart, models.CallbackStatus}, data)
	assert.Equal(t, models.StateSurveyAge, tr.Next)

	tr = e.Advance(sess, callback(models.CallbackContinue))
	assert.Contains(t, lastText(tr), "How old are you?")

	tr = e.Advance(sess, callback(models.CallbackStatus))
	assert.Contains(t, lastText(tr), "Your status")
}

func TestRestart(t *testing.T) {
	e := newTestEngine(t)
	sess := registered(t, e)
	_, sess = step(t, e, sess, text("35"))

	tr := e.Advance(sess, text("/restart"))
	assert.Nil(t, tr.Patch)
	require.Len(t, tr.Outbound, 1)
	assert.Len(t, tr.Outbound[0].Flatten(), 2)

	tr = e.Advance(sess, callback(models.CallbackCancelRestart))
	assert.True(t, hasNotice(tr, msgRestartCancelled))
	assert.Equal(t, models.StateSurveyGender, tr.Next)
	assert.Nil(t, tr.Patch)

	tr = e.Advance(sess, callback(models.CallbackConfirmRestart))
	require.NotNil(t, tr.Patch)
	assert.Equal(t, models.StateAwaitingStart, tr.Next)
	assert.True(t, tr.Patch.Answers.Age.IsZero())
	assert.True(t, tr.Patch.Answers.Name.IsZero())
	assert.False(t, tr.Patch.Registered)
	assert.Equal(t, sess.CreatedAt, tr.Patch.CreatedAt)
}

func TestUnknownStateRecovers(t *testing.T) {
	e := newTestEngine(t)
	sess := models.NewSession(testUser, testNow)
	sess.State = "test_phq9"
	sess.Registered = true
	sess.SurveyCompleted = true

	tr := e.Advance(sess, callback(models.CallbackContinue))
	assert.Equal(t, models.StateTestSelection, tr.Next)
	require.NotNil(t, tr.Patch)
	assert.Empty(t, tr.Patch.Answers.Results)
	assert.True(t, strings.HasPrefix(lastText(tr), "Tests"))
}

func TestAdminActionInAdvance(t *testing.T) {
	e := newTestEngine(t)
	sess := registered(t, e)
	tr := e.Advance(sess, text("/stats"))
	assert.True(t, hasNotice(tr, msgAdminUnavailable))
	assert.Nil(t, tr.Patch)
}
