package messaging

import (
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

func TestKeyboard_RenderAndResolve(t *testing.T) {
	k := NewKeyboard()
	out := models.WithButtons("Pick a test",
		models.Button{Label: "HADS", Data: models.SelectTestCallback(models.InstrumentHADS)},
		models.Button{Label: "Finish", Data: models.CallbackCompleteTests},
	)
	text := k.Render("u", out)
	for _, want := range []string{"Pick a test", "1. HADS", "2. Finish", "Reply with the number"} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered text missing %q:\n%s", want, text)
		}
	}

	a, ok := k.Resolve("u", "2")
	if !ok || a.Kind != models.ActionCompleteTests {
		t.Errorf("Resolve(2) = %+v, %v", a, ok)
	}
	a, ok = k.Resolve("u", "1")
	if !ok || a.Kind != models.ActionSelectTest || a.Instrument != models.InstrumentHADS {
		t.Errorf("Resolve(1) = %+v, %v", a, ok)
	}
	for _, in := range []string{"0", "3", "abc", ""} {
		if _, ok := k.Resolve("u", in); ok {
			t.Errorf("Resolve(%q) should not match", in)
		}
	}
	if _, ok := k.Resolve("other", "1"); ok {
		t.Error("options must be per user")
	}
}

func TestKeyboard_NoticeKeepsOptions(t *testing.T) {
	k := NewKeyboard()
	k.Render("u", models.WithButtons("Q", models.Button{Label: "Yes", Data: "choice:smoking:yes"}))

	if got := k.Render("u", models.Notice("Please choose one of the options below.")); strings.Contains(got, "1.") {
		t.Errorf("notice should render as plain text, got %q", got)
	}
	if _, ok := k.Resolve("u", "1"); !ok {
		t.Error("notice must not clear pending options")
	}

	k.Render("u", models.Text("What is your name?"))
	if _, ok := k.Resolve("u", "1"); ok {
		t.Error("plain prompt must clear pending options")
	}
}

func TestKeyboard_NoticeButtonsYieldToPendingOptions(t *testing.T) {
	k := NewKeyboard()
	reminder := models.WithButtons("The webinar is in three days.",
		models.Button{Label: "Take the diagnostic", Data: models.CallbackContinue},
	)
	reminder.Notice = true

	k.Render("mid", models.WithButtons("Do you smoke?", models.Button{Label: "Yes", Data: "choice:smoking:yes"}))
	if got := k.Render("mid", reminder); strings.Contains(got, "1.") {
		t.Errorf("reminder should not offer options mid-question, got %q", got)
	}
	a, ok := k.Resolve("mid", "1")
	if !ok || a.Kind != models.ActionChoice || a.Option != "yes" {
		t.Errorf("pending question options lost: %+v, %v", a, ok)
	}

	if got := k.Render("idle", reminder); !strings.Contains(got, "1. Take the diagnostic") {
		t.Errorf("idle user should get the reminder options, got %q", got)
	}
	if a, ok := k.Resolve("idle", "1"); !ok || a.Kind != models.ActionContinue {
		t.Errorf("Resolve(1) = %+v, %v", a, ok)
	}
}

func TestKeyboard_ShareContact(t *testing.T) {
	k := NewKeyboard()
	text := k.Render("15550100", models.Outbound{Text: "Share your phone", RequestContact: true})
	if !strings.Contains(text, "1. "+shareContactLabel) {
		t.Fatalf("share option missing: %q", text)
	}
	a, ok := k.Resolve("15550100", "1")
	if !ok || a.Kind != models.ActionContact {
		t.Fatalf("Resolve = %+v, %v", a, ok)
	}
	if a.Contact.OwnerID != "15550100" || a.Contact.Phone != "+15550100" {
		t.Errorf("unexpected contact %+v", a.Contact)
	}
}

func TestKeyboard_Action(t *testing.T) {
	k := NewKeyboard()
	at := time.Date(2025, 7, 30, 10, 0, 0, 0, time.UTC)
	a := k.Action("M1", "u", "/start", at)
	if a.Kind != models.ActionCommand || a.Command != "start" || a.ID != "M1" || !a.ReceivedAt.Equal(at) {
		t.Errorf("unexpected action %+v", a)
	}
	k.Forget("u")
}
