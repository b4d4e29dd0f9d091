package flow

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/BTreeMap/CardioCheck/internal/catalog"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

func (e *Engine) survey(t *turn, a models.Action) error {
	qid, _ := t.sess.State.SurveyQuestionID()
	q, ok := e.cat.SurveyQuestion(qid)
	if !ok {
		return fmt.Errorf("survey question %q not in catalog", qid)
	}

	switch q.Kind {
	case catalog.KindInteger:
		if a.Kind != models.ActionText {
			return errNotExpected
		}
		n, err := strconv.Atoi(strings.TrimSpace(a.Text))
		if err != nil {
			return invalid(msgEnterNumber)
		}
		if n < q.Min || n > q.Max {
			return invalid(q.Invalid)
		}
		f := intField(&t.sess.Answers, qid)
		if f == nil {
			return fmt.Errorf("no answer field for %q", qid)
		}
		*f = models.Value(n)
		t.log(qid+"_entered", strconv.Itoa(n))

	case catalog.KindSingle:
		if a.Kind == models.ActionText {
			return invalid(msgUseButtons)
		}
		if a.Kind != models.ActionChoice || a.Field != qid {
			return errNotExpected
		}
		opt, ok := q.Option(a.Option)
		if !ok {
			return invalid(msgUseButtons)
		}
		f := stringField(&t.sess.Answers, qid)
		if f == nil {
			return fmt.Errorf("no answer field for %q", qid)
		}
		*f = models.Value(opt.ID)
		t.log(qid+"_selected", opt.ID)

	case catalog.KindMulti:
		switch {
		case a.Kind == models.ActionToggle && a.Field == qid:
			return e.toggle(t, q, a.Option)
		case a.Kind == models.ActionDone && a.Field == qid:
			selected := t.sess.Drafts[qid]
			if len(selected) < q.MinSelected {
				return invalid(msgChooseAtLeastOne)
			}
			f := listField(&t.sess.Answers, qid)
			if f == nil {
				return fmt.Errorf("no answer field for %q", qid)
			}
			*f = models.Value(append([]string{}, selected...))
			delete(t.sess.Drafts, qid)
			if len(t.sess.Drafts) == 0 {
				t.sess.Drafts = nil
			}
			t.log(qid+"_selected", strings.Join(selected, ","))
		case a.Kind == models.ActionText:
			return invalid(msgUseButtons)
		default:
			return errNotExpected
		}
	}
	e.nextQuestion(t)
	return nil
}

// toggle flips one option of a multi-select draft and shows the updated
// question. A toggle that would exceed the maximum is rejected and the
// draft is left unchanged.
func (e *Engine) toggle(t *turn, q catalog.SurveyQuestion, optionID string) error {
	current := t.sess.Drafts[q.ID]
	next, err := Toggle(q, current, optionID)
	if err != nil {
		return err
	}
	if t.sess.Drafts == nil {
		t.sess.Drafts = make(map[string][]string)
	}
	t.sess.Drafts[q.ID] = next
	t.touch()
	t.say(e.surveyPrompt(q, next))
	return nil
}

// Toggle returns selected with optionID flipped. The exclusive option
// clears every other selection, and choosing any other option clears the
// exclusive one. selected is never modified.
func Toggle(q catalog.SurveyQuestion, selected []string, optionID string) ([]string, error) {
	opt, ok := q.Option(optionID)
	if !ok {
		return selected, invalid(msgUseButtons)
	}
	if i := slices.Index(selected, optionID); i >= 0 {
		out := slices.Clone(selected)
		return slices.Delete(out, i, i+1), nil
	}
	if opt.Exclusive {
		return []string{optionID}, nil
	}
	out := make([]string, 0, len(selected)+1)
	for _, id := range selected {
		if o, ok := q.Option(id); ok && o.Exclusive {
			continue
		}
		out = append(out, id)
	}
	if q.MaxSelected > 0 && len(out) >= q.MaxSelected {
		return selected, invalid(fmt.Sprintf(msgTooManyFmt, q.MaxSelected))
	}
	return append(out, optionID), nil
}

func (e *Engine) nextQuestion(t *turn) {
	idx := t.sess.State.SurveyIndex()
	if idx+1 < len(models.SurveyStates) {
		t.moveTo(models.SurveyStates[idx+1])
		e.prompt(t)
		return
	}
	t.sess.SurveyCompleted = true
	t.moveTo(models.StateTestSelection)
	t.log("survey_completed", "")
	slog.Debug("Engine.nextQuestion: survey completed", "userID", t.sess.UserID)
	t.say(models.Text(msgSurveyDone))
	e.prompt(t)
}

func intField(a *models.Answers, id string) *models.Field[int] {
	switch id {
	case "age":
		return &a.Age
	case "health_rating":
		return &a.HealthRating
	}
	return nil
}

func stringField(a *models.Answers, id string) *models.Field[string] {
	switch id {
	case "gender":
		return &a.Gender
	case "location":
		return &a.Location
	case "education":
		return &a.Education
	case "family":
		return &a.Family
	case "children":
		return &a.Children
	case "income":
		return &a.Income
	case "death_cause":
		return &a.DeathCause
	case "heart_disease":
		return &a.HeartDisease
	case "cv_risk":
		return &a.CVRisk
	case "cv_knowledge":
		return &a.CVKnowledge
	case "health_importance":
		return &a.HealthImportance
	case "checkup_history":
		return &a.CheckupHistory
	}
	return nil
}

func listField(a *models.Answers, id string) *models.Field[[]string] {
	switch id {
	case "heart_danger":
		return &a.HeartDanger
	case "checkup_content":
		return &a.CheckupContent
	case "prevention_barriers":
		return &a.PreventionBarriers
	case "health_advice":
		return &a.HealthAdvice
	}
	return nil
}
