package models

import (
	"strconv"
	"strings"
	"time"
)

// ActionKind is the closed set of inbound action variants.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionCommand
	ActionBegin
	ActionText
	ActionChoice
	ActionToggle
	ActionDone
	ActionContact
	ActionMedia
	ActionAnswer
	ActionSelectTest
	ActionSkipTest
	ActionCompleteTests
	ActionContinue
	ActionConfirmRestart
	ActionCancelRestart
	ActionShowResults
	ActionAdmin
)

var actionKindNames = map[ActionKind]string{
	ActionUnknown:        "unknown",
	ActionCommand:        "command",
	ActionBegin:          "begin",
	ActionText:           "text",
	ActionChoice:         "choice",
	ActionToggle:         "toggle",
	ActionDone:           "done",
	ActionContact:        "contact",
	ActionMedia:          "media",
	ActionAnswer:         "answer",
	ActionSelectTest:     "select_test",
	ActionSkipTest:       "skip_test",
	ActionCompleteTests:  "complete_tests",
	ActionContinue:       "continue",
	ActionConfirmRestart: "confirm_restart",
	ActionCancelRestart:  "cancel_restart",
	ActionShowResults:    "show_results",
	ActionAdmin:          "admin",
}

func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Commands understood by the conversation controller.
const (
	CommandStart   = "start"
	CommandHelp    = "help"
	CommandStatus  = "status"
	CommandRestart = "restart"
)

// Callback data emitted by outbound buttons. Parameterised callbacks use a
// "prefix:" followed by their arguments.
const (
	CallbackBegin          = "begin"
	CallbackContinue       = "continue"
	CallbackCompleteTests  = "tests:complete"
	CallbackConfirmRestart = "restart:confirm"
	CallbackCancelRestart  = "restart:cancel"
	CallbackShowResults    = "results"
	CallbackStatus         = "cmd:status"
	CallbackRestart        = "cmd:restart"

	prefixChoice  = "choice:"
	prefixToggle  = "toggle:"
	prefixDone    = "done:"
	prefixAnswer  = "answer:"
	prefixTest    = "test:"
	prefixSkip    = "skip:"
	prefixCommand = "cmd:"
)

// AdminCommands are chat commands reserved for operators. They bypass the
// reentrancy guard.
var AdminCommands = []string{"admin", "stats", "export", "broadcast", "adminhelp"}

// AdminCallbackPrefixes mark operator callbacks.
var AdminCallbackPrefixes = []string{"admin_", "export_", "stats_", "broadcast_", "clean_"}

var exactCallbacks = map[string]ActionKind{
	CallbackBegin:          ActionBegin,
	CallbackContinue:       ActionContinue,
	CallbackCompleteTests:  ActionCompleteTests,
	CallbackConfirmRestart: ActionConfirmRestart,
	CallbackCancelRestart:  ActionCancelRestart,
	CallbackShowResults:    ActionShowResults,
}

var prefixCallbacks = []struct {
	prefix string
	kind   ActionKind
}{
	{prefixChoice, ActionChoice},
	{prefixToggle, ActionToggle},
	{prefixDone, ActionDone},
	{prefixAnswer, ActionAnswer},
	{prefixTest, ActionSelectTest},
	{prefixSkip, ActionSkipTest},
	{prefixCommand, ActionCommand},
}

// Contact is a shared phone contact.
type Contact struct {
	Phone string `json:"phone"`
	// OwnerID is the transport identity the contact belongs to, empty if unknown.
	OwnerID string `json:"owner_id,omitempty"`
}

// Action is one normalized inbound user event.
type Action struct {
	ID         string       `json:"id,omitempty"`
	UserID     string       `json:"user_id"`
	Kind       ActionKind   `json:"kind"`
	Command    string       `json:"command,omitempty"`
	Text       string       `json:"text,omitempty"`
	Data       string       `json:"data,omitempty"`
	Field      string       `json:"field,omitempty"`
	Option     string       `json:"option,omitempty"`
	Score      int          `json:"score,omitempty"`
	Instrument InstrumentID `json:"instrument,omitempty"`
	Contact    *Contact     `json:"contact,omitempty"`
	MediaKind  string       `json:"media_kind,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// IsAdmin reports whether the action is an operator action.
func (a Action) IsAdmin() bool {
	return a.Kind == ActionAdmin
}

// NewTextAction classifies typed text. Slash-prefixed text becomes a command.
func NewTextAction(userID, text string) Action {
	a := Action{UserID: userID, Kind: ActionText, Text: text, ReceivedAt: time.Now()}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return a
	}
	name := strings.ToLower(strings.TrimPrefix(strings.Fields(trimmed)[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	for _, cmd := range AdminCommands {
		if name == cmd {
			a.Kind = ActionAdmin
			a.Command = name
			return a
		}
	}
	switch name {
	case CommandStart, CommandHelp, CommandStatus, CommandRestart:
		a.Kind = ActionCommand
		a.Command = name
	}
	return a
}

// NewCallbackAction classifies button callback data using the lookup tables.
// Malformed data yields ActionUnknown.
func NewCallbackAction(userID, data string) Action {
	a := Action{UserID: userID, Kind: ActionUnknown, Data: data, ReceivedAt: time.Now()}
	for _, p := range AdminCallbackPrefixes {
		if strings.HasPrefix(data, p) {
			a.Kind = ActionAdmin
			return a
		}
	}
	if kind, ok := exactCallbacks[data]; ok {
		a.Kind = kind
		return a
	}
	for _, pc := range prefixCallbacks {
		if !strings.HasPrefix(data, pc.prefix) {
			continue
		}
		arg := strings.TrimPrefix(data, pc.prefix)
		if arg == "" {
			return a
		}
		switch pc.kind {
		case ActionChoice, ActionToggle:
			field, option, ok := strings.Cut(arg, ":")
			if !ok || field == "" || option == "" {
				return a
			}
			a.Field, a.Option = field, option
		case ActionDone:
			a.Field = arg
		case ActionAnswer:
			score, err := strconv.Atoi(arg)
			if err != nil {
				return a
			}
			a.Score = score
		case ActionSelectTest, ActionSkipTest:
			a.Instrument = InstrumentID(arg)
		case ActionCommand:
			a.Command = arg
		}
		a.Kind = pc.kind
		return a
	}
	return a
}

// NewContactAction wraps a shared contact.
func NewContactAction(userID string, contact Contact) Action {
	return Action{UserID: userID, Kind: ActionContact, Contact: &contact, ReceivedAt: time.Now()}
}

// NewMediaAction records a non-text payload such as a photo or a voice note.
func NewMediaAction(userID, kind string) Action {
	return Action{UserID: userID, Kind: ActionMedia, MediaKind: kind, ReceivedAt: time.Now()}
}

// ChoiceCallback builds callback data for a single-choice option.
func ChoiceCallback(field, option string) string {
	return prefixChoice + field + ":" + option
}

// ToggleCallback builds callback data for a multi-select option.
func ToggleCallback(field, option string) string {
	return prefixToggle + field + ":" + option
}

// DoneCallback builds callback data confirming a multi-select field.
func DoneCallback(field string) string {
	return prefixDone + field
}

// AnswerCallback builds callback data for an instrument answer worth score points.
func AnswerCallback(score int) string {
	return prefixAnswer + strconv.Itoa(score)
}

// SelectTestCallback builds callback data that starts an instrument.
func SelectTestCallback(id InstrumentID) string {
	return prefixTest + string(id)
}

// SkipTestCallback builds callback data that skips an optional instrument.
func SkipTestCallback(id InstrumentID) string {
	return prefixSkip + string(id)
}
