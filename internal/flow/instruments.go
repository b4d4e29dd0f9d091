package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CardioCheck/internal/models"
	"github.com/BTreeMap/CardioCheck/internal/scoring"
)

func (e *Engine) selection(t *turn, a models.Action) error {
	switch a.Kind {
	case models.ActionSelectTest:
		in, ok := e.cat.Instrument(a.Instrument)
		if !ok {
			return invalid(msgUnknownTest)
		}
		if r, done := t.sess.Result(in.ID); done && !r.Skipped {
			t.say(models.Notice(fmt.Sprintf(msgAlreadyDoneFmt, in.Name)))
			e.prompt(t)
			return nil
		}
		t.sess.Progress = &models.InstrumentProgress{Instrument: in.ID, Answers: []int{}}
		t.moveTo(models.InstrumentState(in.ID))
		t.log(string(in.ID)+"_started", "")
		t.say(models.Text(fmt.Sprintf("%s\n\n%s", in.Name, in.Intro)))
		e.prompt(t)
		return nil

	case models.ActionSkipTest:
		in, ok := e.cat.Instrument(a.Instrument)
		if !ok {
			return invalid(msgUnknownTest)
		}
		if r, done := t.sess.Result(in.ID); done && !r.Skipped {
			t.say(models.Notice(fmt.Sprintf(msgAlreadyDoneFmt, in.Name)))
			e.prompt(t)
			return nil
		}
		res, err := e.scorer.Skip(in.ID)
		if errors.Is(err, scoring.ErrNotOptional) {
			return invalid(msgCannotSkip)
		}
		if err != nil {
			return err
		}
		e.storeResult(t, res)
		t.log(string(in.ID)+"_skipped", "")
		t.say(models.Notice(fmt.Sprintf(msgSkippedFmt, in.Name)))
		e.prompt(t)
		return nil

	case models.ActionCompleteTests:
		return e.complete(t)
	}
	return errNotExpected
}

func (e *Engine) instrument(t *turn, a models.Action) error {
	id, _ := t.sess.State.Instrument()
	in, ok := e.cat.Instrument(id)
	if !ok {
		slog.Warn("Engine.instrument: StateInconsistency, instrument not in catalog", "userID", t.sess.UserID, "state", t.sess.State)
		t.sess.Progress = nil
		t.moveTo(models.StateTestSelection)
		return errNotExpected
	}
	if !e.progressConsistent(t.sess, len(in.Questions)) {
		// The prompt re-emitted by the caller restarts the instrument.
		return errNotExpected
	}
	if a.Kind == models.ActionText {
		return invalid(msgUseButtons)
	}
	if a.Kind != models.ActionAnswer {
		return errNotExpected
	}

	p := t.sess.Progress
	q := in.Questions[p.Index]
	if _, ok := q.OptionForPoints(a.Score); !ok {
		return invalid(msgUseButtons)
	}
	p.Answers = append(p.Answers, a.Score)
	p.Index++
	t.touch()
	if p.Index < len(in.Questions) {
		e.prompt(t)
		return nil
	}

	res, err := e.scorer.Score(id, p.Answers)
	if err != nil {
		slog.Error("Engine.instrument: scoring failed, restarting instrument", "userID", t.sess.UserID, "instrument", id, "error", err)
		t.sess.Progress = nil
		return errNotExpected
	}
	e.storeResult(t, res)
	t.sess.Progress = nil
	t.moveTo(models.StateTestSelection)
	t.log(string(id)+"_completed", fmt.Sprintf("score=%d level=%s", res.Score, res.Level))
	t.say(models.Text(e.resultText(res)))
	e.prompt(t)
	return nil
}

// progressConsistent reports whether the session's progress matches the
// instrument state. Callers treat false as a request to restart the
// instrument from its first question.
func (e *Engine) progressConsistent(s *models.Session, items int) bool {
	id, _ := s.State.Instrument()
	p := s.Progress
	return p != nil && p.Instrument == id && p.Index >= 0 && p.Index < items && len(p.Answers) == p.Index
}

// promptInstrument shows the current item. Missing or mismatched progress
// is rebuilt from the catalog and the instrument restarts at item one.
func (e *Engine) promptInstrument(t *turn) {
	id, _ := t.sess.State.Instrument()
	in, ok := e.cat.Instrument(id)
	if !ok {
		slog.Warn("Engine.promptInstrument: StateInconsistency, instrument not in catalog", "userID", t.sess.UserID, "state", t.sess.State)
		t.sess.Progress = nil
		t.moveTo(models.StateTestSelection)
		t.say(e.menu(t.sess))
		return
	}
	if !e.progressConsistent(t.sess, len(in.Questions)) {
		slog.Warn("Engine.promptInstrument: StateInconsistency, rebuilding progress", "userID", t.sess.UserID, "instrument", id, "had_progress", t.sess.Progress != nil)
		t.sess.Progress = &models.InstrumentProgress{Instrument: id, Answers: []int{}}
		t.touch()
		t.log(string(id)+"_restarted", "progress rebuilt")
		t.say(models.Notice(fmt.Sprintf(msgTestRestartedFmt, in.Name)))
	}
	p := t.sess.Progress
	q := in.Questions[p.Index]
	buttons := make([]models.Button, 0, len(q.Options))
	for _, o := range q.Options {
		buttons = append(buttons, models.Button{Label: o.Label, Data: models.AnswerCallback(o.Points)})
	}
	text := fmt.Sprintf("%s · question %d of %d\n\n%s", in.Title, p.Index+1, len(in.Questions), q.Text)
	t.say(models.WithButtons(text, buttons...))
}

func (e *Engine) storeResult(t *turn, res scoring.Result) {
	if t.sess.Answers.Results == nil {
		t.sess.Answers.Results = make(map[models.InstrumentID]models.ScoredResult)
	}
	t.sess.Answers.Results[res.Instrument] = res
	t.touch()
}

// complete finalizes the battery once every mandatory instrument is scored
// and every optional one is scored or skipped.
func (e *Engine) complete(t *turn) error {
	missing := e.scorer.Missing(t.sess.Answers.Results)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, id := range missing {
			in, _ := e.cat.Instrument(id)
			names = append(names, "• "+in.Name)
		}
		t.say(models.Notice(msgMissingTests + "\n" + strings.Join(names, "\n")))
		e.prompt(t)
		return nil
	}

	assessment := e.scorer.AggregateMap(t.sess.Answers.Results)
	t.sess.Answers.Risk = &assessment
	t.sess.Completed = true
	t.moveTo(models.StateCompleted)
	t.log("all_tests_completed", fmt.Sprintf("risk=%s score=%d factors=%d", assessment.Level, assessment.Score, assessment.Factors))
	slog.Debug("Engine.complete: assessment computed", "userID", t.sess.UserID, "level", assessment.Level, "score", assessment.Score)
	t.say(e.summary(t.sess))
	t.say(e.materials()...)
	return nil
}
