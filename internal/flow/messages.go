package flow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BTreeMap/CardioCheck/internal/catalog"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

// User-facing texts.
const (
	msgAskName    = "Let's get acquainted. What is your name?"
	msgAskEmail   = "Please enter your email address."
	msgAskPhone   = "Please share your phone number using the button below."
	msgRegistered = "Thank you, registration is complete. Now a short survey of 18 questions."
	msgSurveyDone = "The survey is complete. Now please take the tests. They take 10 to 15 minutes."

	msgNameEmpty      = "Please enter your name."
	msgEmailInvalid   = "That does not look like an email address. Please try again."
	msgPhoneUseButton = "Please use the \"share phone number\" button."
	msgPhoneNotOwn    = "Please share your own phone number using the button below."

	msgEnterNumber      = "Please enter a number"
	msgUseButtons       = "Please choose one of the options below."
	msgChooseAtLeastOne = "Please choose at least one option."
	msgTooManyFmt       = "You can choose at most %d options. Remove one first."

	msgUnknownTest      = "Unknown test."
	msgCannotSkip       = "This test cannot be skipped."
	msgAlreadyDoneFmt   = "You have already completed %s."
	msgSkippedFmt       = "%s skipped."
	msgTestRestartedFmt = "Let's start %s again from the first question."
	msgMissingTests     = "Please complete these tests first:"

	msgRestartConfirm   = "Start the diagnostics over?\n\nAll your current answers will be deleted and you will go through registration, the survey and the tests again."
	msgRestartCancelled = "Restart cancelled."
	msgRestartDone      = "Your answers have been cleared."
	msgTextOnly         = "I can only read text messages and button replies."
	msgAdminUnavailable = "This command is not available."
	msgAdminUnsupported = "This admin command is not supported here."

	msgAdminHelp = "Admin commands\n\n" +
		"/stats - participant and result statistics\n" +
		"/broadcast <text> - send a message to all registered participants\n" +
		"/broadcast completed <text> - only those who finished the diagnostics\n" +
		"/broadcast uncompleted <text> - only those who have not finished\n" +
		"/broadcast test <text> - send to the admins only\n" +
		"/adminhelp - this help\n\n" +
		"Broadcast history is available from the admin API at /admin/broadcasts."
	msgBroadcastUsage      = "Usage: /broadcast [all|completed|uncompleted|test] <text>"
	msgBroadcastStartedFmt = "Broadcast to %s started. Results will appear in the broadcast log."
	msgTestBroadcastFmt    = "Test broadcast sent to %d admins, %d failed."

	msgMaterialsIntro = "Here are the promised materials:"
)

func msgAlreadyStarted(stage string) string {
	return fmt.Sprintf("You have already started the diagnostics (current stage: %s). What would you like to do?", stage)
}

func (e *Engine) webinarLine() string {
	if e.opts.WebinarTime.IsZero() {
		return ""
	}
	return "Webinar \"Smart cardio checkup\": " + e.opts.WebinarTime.Format("January 2 at 15:04 MST")
}

func (e *Engine) welcomeText() string {
	var b strings.Builder
	b.WriteString("Welcome! This bot prepares you for the webinar with cardiologists.\n\n")
	b.WriteString("You will register, answer 18 short questions and take 7 tests. ")
	b.WriteString("At the end you get your cardiovascular risk assessment and materials for the webinar.")
	if line := e.webinarLine(); line != "" {
		b.WriteString("\n\n" + line)
	}
	return b.String()
}

func (e *Engine) helpText(s *models.Session) string {
	var b strings.Builder
	switch {
	case s.Completed:
		b.WriteString("Help: diagnostics completed\n\n")
		b.WriteString("You have finished the full diagnostics.\n")
		if line := e.webinarLine(); line != "" {
			b.WriteString(line + "\n")
		}
		b.WriteString("The link to the broadcast will appear here an hour before the start.\n\n")
		b.WriteString("/start - show your results\n/status - check your status\n/restart - take the diagnostics again")
	case s.State.IsSurvey() || s.State.IsTesting():
		b.WriteString("Help: diagnostics in progress\n\n")
		b.WriteString("Keep answering the questions. Every answer matters for an accurate assessment.\n")
		b.WriteString("If you are unsure, choose the option closest to your situation.\n\n")
		b.WriteString("/status - see your progress\n/restart - start over")
	default:
		b.WriteString("Help\n\n")
		b.WriteString("This bot prepares you for the webinar \"Smart cardio checkup\".\n\n")
		b.WriteString("1. Send /start\n2. Enter your name, email and phone\n3. Answer the survey (18 questions)\n")
		b.WriteString("4. Take the tests (7 tests)\n5. Get your results and materials\n\n")
		b.WriteString("/start - begin\n/status - check progress\n/restart - start over")
	}
	return b.String()
}

func (e *Engine) statusText(s *models.Session) string {
	if s.State == models.StateIdle && !s.Registered {
		return "Your status\n\nYou have not started the diagnostics yet. Send /start to begin."
	}
	var b strings.Builder
	b.WriteString("Your status\n\n")
	if name, ok := s.Answers.Name.Get(); ok {
		b.WriteString("Name: " + name + "\n")
	}
	if s.Registered {
		b.WriteString("✅ Registration complete\n")
	} else {
		b.WriteString("❌ Registration not complete\n")
	}

	total := e.cat.SurveyLen()
	switch {
	case s.SurveyCompleted:
		fmt.Fprintf(&b, "✅ Survey complete (%d/%d)\n", total, total)
	case s.State.IsSurvey():
		fmt.Fprintf(&b, "⏳ Survey in progress (%d/%d)\n", s.State.SurveyIndex(), total)
	default:
		fmt.Fprintf(&b, "❌ Survey not started (0/%d)\n", total)
	}

	done := 0
	for _, in := range e.cat.Instruments() {
		if _, ok := s.Result(in.ID); ok {
			done++
		}
	}
	instruments := len(models.AllInstruments)
	if done == instruments {
		fmt.Fprintf(&b, "✅ Tests complete (%d/%d)\n", done, instruments)
	} else {
		fmt.Fprintf(&b, "⏳ Tests: %d/%d\n", done, instruments)
	}

	if s.Completed && s.Answers.Risk != nil {
		fmt.Fprintf(&b, "\nCardiovascular risk: %s", riskName(s.Answers.Risk.Level))
		if line := e.webinarLine(); line != "" {
			b.WriteString("\n" + line)
		}
		return b.String()
	}
	b.WriteString("\nNext step: ")
	switch {
	case !s.Registered:
		b.WriteString("finish registration (/start)")
	case !s.SurveyCompleted:
		b.WriteString("answer the survey (/start)")
	default:
		b.WriteString("take the remaining tests (/start)")
	}
	return b.String()
}

func (e *Engine) surveyPrompt(q catalog.SurveyQuestion, selected []string) models.Outbound {
	text := fmt.Sprintf("Question %d of %d\n\n%s", q.Number, e.cat.SurveyLen(), q.Text)
	switch q.Kind {
	case catalog.KindSingle:
		buttons := make([]models.Button, 0, len(q.Options))
		for _, o := range q.Options {
			buttons = append(buttons, models.Button{Label: o.Label, Data: models.ChoiceCallback(q.ID, o.ID)})
		}
		return models.WithButtons(text, buttons...)
	case catalog.KindMulti:
		buttons := make([]models.Button, 0, len(q.Options)+1)
		for _, o := range q.Options {
			label := o.Label
			if slices.Contains(selected, o.ID) {
				label = "✅ " + label
			}
			buttons = append(buttons, models.Button{Label: label, Data: models.ToggleCallback(q.ID, o.ID)})
		}
		done := "Done"
		if len(selected) > 0 {
			done = fmt.Sprintf("Done (%d selected)", len(selected))
		}
		buttons = append(buttons, models.Button{Label: done, Data: models.DoneCallback(q.ID)})
		return models.WithButtons(text, buttons...)
	}
	return models.Text(text)
}

// menu lists every instrument with its status and offers the next steps.
func (e *Engine) menu(s *models.Session) models.Outbound {
	var b strings.Builder
	b.WriteString("Tests\n")
	var buttons []models.Button
	for _, in := range e.cat.Instruments() {
		r, ok := s.Result(in.ID)
		switch {
		case ok && r.Skipped:
			fmt.Fprintf(&b, "\n⏭ %s: skipped", in.Name)
		case ok:
			fmt.Fprintf(&b, "\n✅ %s: %s", in.Name, e.scorer.LevelLabel(in.ID, "", r.Level))
		default:
			fmt.Fprintf(&b, "\n⬜ %s", in.Name)
		}
		if ok && !r.Skipped {
			continue
		}
		buttons = append(buttons, models.Button{Label: in.Name, Data: models.SelectTestCallback(in.ID)})
		if in.Optional && !ok {
			buttons = append(buttons, models.Button{Label: in.SkipLabel, Data: models.SkipTestCallback(in.ID)})
		}
	}
	buttons = append(buttons, models.Button{Label: "Finish and get results", Data: models.CallbackCompleteTests})
	return models.WithButtons(b.String(), buttons...)
}

func (e *Engine) resultText(r models.ScoredResult) string {
	in, _ := e.cat.Instrument(r.Instrument)
	var b strings.Builder
	fmt.Fprintf(&b, "%s completed.\n\n", in.Name)
	if len(r.Subscales) > 0 {
		for _, sub := range r.Subscales {
			title := sub.ID
			if def, ok := in.Subscale(sub.ID); ok {
				title = def.Title
			}
			fmt.Fprintf(&b, "%s: %d points, %s\n", title, sub.Score, e.scorer.LevelLabel(in.ID, sub.ID, sub.Level))
		}
		return strings.TrimRight(b.String(), "\n")
	}
	fmt.Fprintf(&b, "Score: %d of %d\nResult: %s", r.Score, in.MaxScore(), e.scorer.LevelLabel(in.ID, "", r.Level))
	return b.String()
}

func (e *Engine) summary(s *models.Session) models.Outbound {
	var b strings.Builder
	b.WriteString("Your diagnostic results\n")
	for _, in := range e.cat.Instruments() {
		r, ok := s.Result(in.ID)
		switch {
		case !ok:
			fmt.Fprintf(&b, "\n%s: not taken", in.Name)
		case r.Skipped:
			fmt.Fprintf(&b, "\n%s: skipped", in.Name)
		case len(r.Subscales) > 0:
			parts := make([]string, 0, len(r.Subscales))
			for _, sub := range r.Subscales {
				title := sub.ID
				if def, ok := in.Subscale(sub.ID); ok {
					title = def.Title
				}
				parts = append(parts, fmt.Sprintf("%s %d (%s)", strings.ToLower(title), sub.Score, e.scorer.LevelLabel(in.ID, sub.ID, sub.Level)))
			}
			fmt.Fprintf(&b, "\n%s: %s", in.Name, strings.Join(parts, ", "))
		default:
			fmt.Fprintf(&b, "\n%s: %d (%s)", in.Name, r.Score, e.scorer.LevelLabel(in.ID, "", r.Level))
		}
	}
	if risk := s.Answers.Risk; risk != nil {
		fmt.Fprintf(&b, "\n\nCardiovascular risk: %s (score %d, risk factors: %d)\n%s",
			riskName(risk.Level), risk.Score, risk.Factors, riskExplanation(risk.Level))
	}
	if line := e.webinarLine(); line != "" {
		b.WriteString("\n\n" + line)
	}
	return models.Text(b.String())
}

func riskName(l models.RiskLevel) string {
	switch l {
	case models.RiskLow:
		return "🟢 low"
	case models.RiskModerate:
		return "🟡 moderate"
	case models.RiskHigh:
		return "🟠 high"
	case models.RiskVeryHigh:
		return "🔴 very high"
	}
	return string(l)
}

func riskExplanation(l models.RiskLevel) string {
	switch l {
	case models.RiskLow:
		return "Your chance of developing cardiovascular disease in the coming years is minimal. Keep looking after your health."
	case models.RiskModerate:
		return "Several factors may affect your heart health. Pay closer attention to prevention."
	case models.RiskHigh:
		return "Significant factors raise the likelihood of cardiovascular events. Take steps to reduce them."
	case models.RiskVeryHigh:
		return "Many factors seriously affect your heart and vessels. Prevention needs a comprehensive approach."
	}
	return ""
}
