package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// shareContactData marks the synthetic "share my number" option.
const shareContactData = "\x00contact"

const shareContactLabel = "📱 Share my phone number"

// Keyboard renders buttons as numbered options for transports without
// interactive controls and maps numeric replies back to callbacks.
type Keyboard struct {
	mu      sync.Mutex
	pending map[string][]models.Button
}

// NewKeyboard creates an empty Keyboard.
func NewKeyboard() *Keyboard {
	return &Keyboard{pending: make(map[string][]models.Button)}
}

// Render returns the text to send to userID for out. A message with buttons
// replaces the options the user can pick from; a plain message clears them.
// Notices leave the current options in place: a notice with buttons only
// offers them when the user has nothing else pending.
func (k *Keyboard) Render(userID string, out models.Outbound) string {
	buttons := out.Flatten()
	if out.RequestContact {
		buttons = append(buttons, models.Button{Label: shareContactLabel, Data: shareContactData})
	}

	k.mu.Lock()
	_, busy := k.pending[userID]
	switch {
	case out.Notice && busy:
		buttons = nil
	case len(buttons) > 0:
		k.pending[userID] = buttons
	case !out.Notice:
		delete(k.pending, userID)
	}
	k.mu.Unlock()

	if len(buttons) == 0 {
		return out.Text
	}
	var b strings.Builder
	b.WriteString(out.Text)
	b.WriteString("\n")
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Label)
	}
	b.WriteString("\n\nReply with the number of your choice.")
	return b.String()
}

// Resolve converts a numeric reply into the action of the matching option.
// It reports false when text is not a valid option number.
func (k *Keyboard) Resolve(userID, text string) (models.Action, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return models.Action{}, false
	}
	k.mu.Lock()
	buttons := k.pending[userID]
	k.mu.Unlock()
	if n < 1 || n > len(buttons) {
		return models.Action{}, false
	}
	btn := buttons[n-1]
	if btn.Data == shareContactData {
		return models.NewContactAction(userID, models.Contact{Phone: "+" + userID, OwnerID: userID}), true
	}
	return models.NewCallbackAction(userID, btn.Data), true
}

// Action classifies an inbound text reply from userID.
func (k *Keyboard) Action(id, userID, text string, at time.Time) models.Action {
	a, ok := k.Resolve(userID, text)
	if !ok {
		a = models.NewTextAction(userID, text)
	}
	a.ID = id
	if !at.IsZero() {
		a.ReceivedAt = at
	}
	return a
}

// Forget drops the pending options of userID.
func (k *Keyboard) Forget(userID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.pending, userID)
}
