// Package reminder sends the scheduled webinar reminders to participants.
package reminder

import (
	"fmt"
	"sort"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// Reminder IDs, one per offset before the event.
const (
	WeekBefore     = "week_before"
	ThreeDays      = "three_days"
	OneDay         = "one_day"
	ThreeHours     = "three_hours"
	TwoHours       = "two_hours"
	OneHour        = "one_hour"
	FifteenMinutes = "fifteen_minutes"
	WebinarStart   = "webinar_start"
)

// Reminder is one broadcast sent at a fixed offset before the event.
type Reminder struct {
	ID       string
	Offset   time.Duration
	Message  string
	Audience models.Audience
	Buttons  []models.Button
}

// Outbound renders the reminder as a chat message. Reminders are notices
// so they never take over the options of a question the user is answering.
func (r Reminder) Outbound() models.Outbound {
	out := models.Notice(r.Message)
	if len(r.Buttons) > 0 {
		out = models.WithButtons(r.Message, r.Buttons...)
		out.Notice = true
	}
	return out
}

// Plan is the event time and the reminders that lead up to it.
type Plan struct {
	EventTime time.Time
	Reminders []Reminder
}

// EventID keys the ledger so that moving the event re-arms every reminder.
func (p Plan) EventID() string {
	return "webinar-" + p.EventTime.UTC().Format("20060102T1504Z")
}

// SendTime returns when r is due.
func (p Plan) SendTime(r Reminder) time.Time {
	return p.EventTime.Add(-r.Offset)
}

// Find returns the reminder with the given ID.
func (p Plan) Find(id string) (Reminder, bool) {
	for _, r := range p.Reminders {
		if r.ID == id {
			return r, true
		}
	}
	return Reminder{}, false
}

// Status describes one reminder of a plan for operators.
type Status struct {
	ID       string          `json:"id"`
	Audience models.Audience `json:"audience"`
	SendAt   time.Time       `json:"send_at"`
	SentAt   *time.Time      `json:"sent_at,omitempty"`
}

// View lists the reminders in send order with their ledger state.
func (p Plan) View(sent map[string]time.Time) []Status {
	out := make([]Status, 0, len(p.Reminders))
	for _, r := range p.Reminders {
		s := Status{ID: r.ID, Audience: r.Audience, SendAt: p.SendTime(r)}
		if at, ok := sent[r.ID]; ok {
			at := at
			s.SentAt = &at
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	return out
}

var diagnosticButtons = []models.Button{
	{Label: "✍️ Take the diagnostic", Data: models.CallbackContinue},
	{Label: "✅ Already done", Data: models.CallbackShowResults},
}

// DefaultPlan builds the standard reminder sequence for a webinar at event.
// An empty link leaves the join lines out.
func DefaultPlan(event time.Time, link string) Plan {
	when := event.Format("January 2 at 15:04 MST")
	join := ""
	if link != "" {
		join = "\n\n🔗 Join here: " + link
	}
	return Plan{
		EventTime: event,
		Reminders: []Reminder{
			{
				ID:     WeekBefore,
				Offset: 7 * 24 * time.Hour,
				Message: fmt.Sprintf("📌 One week left until the \"Smart Cardio Checkup\" webinar.\n\n📅 It starts %s.\n\n"+
					"You will get a list of priority lab tests for your age, lifestyle and family history, and concrete steps that keep the heart and vessels healthy.\n\n"+
					"Everything will be here in the chat: links, materials and bonuses. If you have not taken the diagnostic yet, now is a good time 🎁", when),
				Audience: models.AudienceAll,
				Buttons:  diagnosticButtons,
			},
			{
				ID:     ThreeDays,
				Offset: 3 * 24 * time.Hour,
				Message: fmt.Sprintf("🗓️ Three days until the \"Smart Cardio Checkup\" webinar.\n\n"+
					"This is a step by step algorithm for spotting risks early and preventing heart attack and stroke.\n\n"+
					"📅 %s. We will send the link the day before and on the day.\n\n📩 If you have not taken the diagnostic yet, now is the time.", when),
				Audience: models.AudienceAll,
				Buttons:  diagnosticButtons,
			},
			{
				ID:     OneDay,
				Offset: 24 * time.Hour,
				Message: fmt.Sprintf("🫀 The webinar is tomorrow, %s.\n\n"+
					"Before it starts:\n✔️ gather your lab results if you have them\n✔️ take the diagnostic if you have not yet\n\n"+
					"Have ready: a measuring tape, a blood pressure monitor, a notebook and your test answers from this chat.\n\n⏰ The link comes tomorrow morning.", when),
				Audience: models.AudienceAll,
				Buttons:  diagnosticButtons,
			},
			{
				ID:     ThreeHours,
				Offset: 3 * time.Hour,
				Message: fmt.Sprintf("📲 The webinar starts in 3 hours, at %s.\n\n"+
					"Today you will learn to estimate cardiovascular risk, read the key lab tests and build a personal plan.\n\n"+
					"Have ready: a measuring tape, a blood pressure monitor, a notebook and your test answers from this chat.", event.Format("15:04 MST")),
				Audience: models.AudienceAll,
			},
			{
				ID:     TwoHours,
				Offset: 2 * time.Hour,
				Message: "📲 2 hours until \"Smart Cardio Checkup\"\n\n" +
					"✅ A ready diagnostic route: the tests that matter for you\n" +
					"✅ A step by step action plan based on your risks\n" +
					"✅ How to avoid unnecessary tests and useless drugs\n\nDon't miss it ‼️",
				Audience: models.AudienceAll,
			},
			{
				ID:       OneHour,
				Offset:   time.Hour,
				Message:  fmt.Sprintf("🔸 The webinar starts in one hour, at %s.%s", event.Format("15:04 MST"), join),
				Audience: models.AudienceAll,
			},
			{
				ID:       FifteenMinutes,
				Offset:   15 * time.Minute,
				Message:  "🚀 We start in 15 minutes." + join,
				Audience: models.AudienceAll,
			},
			{
				ID:     WebinarStart,
				Offset: 0,
				Message: "🔸 We are live!" + join + "\n\nToday you will:\n" +
					"✔️ estimate your cardiovascular risk\n✔️ learn which tests to take and when\n✔️ get a step by step plan for a healthy heart",
				Audience: models.AudienceAll,
			},
		},
	}
}
