package flow

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// errNotExpected is returned by state handlers for actions the current
// state does not accept. The prompt is repeated without a notice.
var errNotExpected = errors.New("action not expected in this state")

// turn accumulates the effects of one Advance call on a private copy of
// the session.
type turn struct {
	sess    *models.Session
	changed bool
	out     []models.Outbound
	events  []Activity
}

func (t *turn) say(out ...models.Outbound) {
	t.out = append(t.out, out...)
}

func (t *turn) log(action, details string) {
	t.events = append(t.events, Activity{Action: action, Details: details})
}

func (t *turn) moveTo(s models.State) {
	t.sess.State = s
	t.changed = true
}

func (t *turn) touch() {
	t.changed = true
}

// Advance applies one action to sess and returns the resulting transition.
// sess is not modified. Actions the current state does not accept repeat
// the current prompt and leave the state unchanged.
func (e *Engine) Advance(sess *models.Session, a models.Action) Transition {
	t := &turn{sess: sess.Clone()}
	if !t.sess.State.Valid() {
		e.recoverUnknownState(t)
	}

	var err error
	switch a.Kind {
	case models.ActionCommand:
		e.command(t, a)
	case models.ActionContinue:
		e.prompt(t)
	case models.ActionConfirmRestart:
		e.confirmRestart(t)
	case models.ActionCancelRestart:
		t.say(models.Notice(msgRestartCancelled))
		e.prompt(t)
	case models.ActionShowResults:
		if t.sess.Completed {
			t.say(e.summary(t.sess))
		} else {
			e.prompt(t)
		}
	case models.ActionAdmin:
		t.say(models.Notice(msgAdminUnavailable))
	case models.ActionMedia:
		t.say(models.Notice(msgTextOnly))
		e.prompt(t)
	default:
		err = e.byState(t, a)
	}

	var verr *ValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		slog.Debug("Engine.Advance: validation failed", "userID", sess.UserID, "state", sess.State, "message", verr.Message)
		t.say(models.Notice(verr.Message))
		e.prompt(t)
	default:
		slog.Debug("Engine.Advance: action ignored", "userID", sess.UserID, "state", sess.State, "kind", a.Kind, "reason", err)
		e.prompt(t)
	}

	tr := Transition{Next: t.sess.State, Outbound: t.out, Events: t.events}
	if t.changed {
		tr.Patch = t.sess
	}
	return tr
}

func (e *Engine) byState(t *turn, a models.Action) error {
	st := t.sess.State
	switch {
	case st == models.StateIdle || st == models.StateAwaitingStart:
		return e.begin(t, a)
	case st.IsRegistration():
		return e.register(t, a)
	case st.IsSurvey():
		return e.survey(t, a)
	case st == models.StateTestSelection:
		return e.selection(t, a)
	case st.IsInstrument():
		return e.instrument(t, a)
	case st == models.StateCompleted:
		return errNotExpected
	}
	return errNotExpected
}

// recoverUnknownState maps a state this build does not know to the nearest
// safe state. Scores are never invented.
func (e *Engine) recoverUnknownState(t *turn) {
	bad := t.sess.State
	next := models.StateIdle
	switch {
	case strings.HasPrefix(string(bad), "test_"):
		next = models.StateTestSelection
		t.sess.Progress = nil
	case t.sess.Completed:
		next = models.StateCompleted
	case t.sess.SurveyCompleted:
		next = models.StateTestSelection
	}
	slog.Warn("Engine.Advance: StateInconsistency, unknown state", "userID", t.sess.UserID, "state", bad, "recovered_to", next)
	t.moveTo(next)
}

func (e *Engine) command(t *turn, a models.Action) {
	switch a.Command {
	case models.CommandStart:
		t.log("start_command", string(t.sess.State))
		e.start(t)
	case models.CommandHelp:
		t.log("help_requested", "")
		t.say(models.Text(e.helpText(t.sess)))
	case models.CommandStatus:
		t.log("status_requested", "")
		t.say(models.Text(e.statusText(t.sess)))
	case models.CommandRestart:
		t.log("restart_requested", "")
		t.say(models.WithButtons(msgRestartConfirm,
			models.Button{Label: "Yes, start over", Data: models.CallbackConfirmRestart},
			models.Button{Label: "Cancel", Data: models.CallbackCancelRestart},
		))
	default:
		e.prompt(t)
	}
}

func (e *Engine) start(t *turn) {
	switch {
	case t.sess.State == models.StateIdle || t.sess.State == models.StateAwaitingStart:
		if t.sess.State != models.StateAwaitingStart {
			t.moveTo(models.StateAwaitingStart)
		}
		e.prompt(t)
	case t.sess.Completed:
		t.say(e.summary(t.sess))
	default:
		t.say(models.WithButtons(msgAlreadyStarted(t.sess.State.Stage()),
			models.Button{Label: "Continue", Data: models.CallbackContinue},
			models.Button{Label: "Start over", Data: models.CallbackRestart},
			models.Button{Label: "My status", Data: models.CallbackStatus},
		))
	}
}

func (e *Engine) confirmRestart(t *turn) {
	created := t.sess.CreatedAt
	fresh := models.NewSession(t.sess.UserID, e.now())
	if !created.IsZero() {
		fresh.CreatedAt = created
	}
	t.sess = fresh
	t.touch()
	t.log("restart_confirmed", "")
	t.say(models.Notice(msgRestartDone))
	t.moveTo(models.StateAwaitingStart)
	e.prompt(t)
}

// prompt repeats whatever the current state is waiting for.
func (e *Engine) prompt(t *turn) {
	s := t.sess
	switch {
	case s.State == models.StateIdle || s.State == models.StateAwaitingStart:
		t.say(models.WithButtons(e.welcomeText(), models.Button{Label: "Start", Data: models.CallbackBegin}))
	case s.State == models.StateAwaitingName:
		t.say(models.Text(msgAskName))
	case s.State == models.StateAwaitingEmail:
		t.say(models.Text(msgAskEmail))
	case s.State == models.StateAwaitingPhone:
		t.say(models.Outbound{Text: msgAskPhone, RequestContact: true})
	case s.State.IsSurvey():
		qid, _ := s.State.SurveyQuestionID()
		if q, ok := e.cat.SurveyQuestion(qid); ok {
			t.say(e.surveyPrompt(q, s.Drafts[qid]))
		}
	case s.State == models.StateTestSelection:
		t.say(e.menu(s))
	case s.State.IsInstrument():
		e.promptInstrument(t)
	case s.State == models.StateCompleted:
		t.say(e.summary(s))
	}
}
