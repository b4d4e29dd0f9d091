package flow

import (
	"strings"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

func (e *Engine) begin(t *turn, a models.Action) error {
	if a.Kind != models.ActionBegin {
		if t.sess.State == models.StateIdle {
			t.moveTo(models.StateAwaitingStart)
		}
		return errNotExpected
	}
	t.log("registration_started", "")
	t.moveTo(models.StateAwaitingName)
	e.prompt(t)
	return nil
}

func (e *Engine) register(t *turn, a models.Action) error {
	switch t.sess.State {
	case models.StateAwaitingName:
		if a.Kind != models.ActionText {
			return errNotExpected
		}
		name := strings.TrimSpace(a.Text)
		if name == "" {
			return invalid(msgNameEmpty)
		}
		t.sess.Answers.Name = models.Value(name)
		t.log("name_entered", name)
		t.moveTo(models.StateAwaitingEmail)

	case models.StateAwaitingEmail:
		if a.Kind != models.ActionText {
			return errNotExpected
		}
		email := strings.TrimSpace(a.Text)
		if !validEmail(email) {
			return invalid(msgEmailInvalid)
		}
		t.sess.Answers.Email = models.Value(email)
		t.log("email_entered", email)
		t.moveTo(models.StateAwaitingPhone)

	case models.StateAwaitingPhone:
		if a.Kind != models.ActionContact || a.Contact == nil {
			return invalid(msgPhoneUseButton)
		}
		if a.Contact.OwnerID == "" || a.Contact.OwnerID != a.UserID {
			return invalid(msgPhoneNotOwn)
		}
		phone := strings.TrimSpace(a.Contact.Phone)
		if phone == "" {
			return invalid(msgPhoneUseButton)
		}
		t.sess.Answers.Phone = models.Value(phone)
		t.sess.Registered = true
		t.log("registration_completed", phone)
		t.say(models.Text(msgRegistered))
		t.moveTo(models.SurveyStates[0])

	default:
		return errNotExpected
	}
	e.prompt(t)
	return nil
}

// validEmail requires an @ with text on both sides and a dot inside the
// domain.
func validEmail(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	dot := strings.LastIndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}
