package models

// Button is one selectable option attached to an outbound message.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Document is a file to deliver to the participant.
type Document struct {
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// Outbound is a transport-neutral instruction produced by the controller.
type Outbound struct {
	Text string `json:"text,omitempty"`
	// Buttons are laid out as rows.
	Buttons [][]Button `json:"buttons,omitempty"`
	// RequestContact asks the transport to offer a "share my phone" control.
	RequestContact bool `json:"request_contact,omitempty"`
	// Notice marks short transient feedback, such as a validation hint.
	Notice   bool      `json:"notice,omitempty"`
	Document *Document `json:"document,omitempty"`
}

// Text builds a plain text instruction.
func Text(text string) Outbound {
	return Outbound{Text: text}
}

// Notice builds a short feedback instruction.
func Notice(text string) Outbound {
	return Outbound{Text: text, Notice: true}
}

// WithButtons builds a text instruction with one button per row.
func WithButtons(text string, buttons ...Button) Outbound {
	rows := make([][]Button, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []Button{b})
	}
	return Outbound{Text: text, Buttons: rows}
}

// Flatten returns the buttons in reading order.
func (o Outbound) Flatten() []Button {
	var out []Button
	for _, row := range o.Buttons {
		out = append(out, row...)
	}
	return out
}

// DeadLetter records a write that could not be persisted after retries.
type DeadLetter struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Operation string `json:"operation"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
}

// ActivityEntry is one row of the per-user activity log.
type ActivityEntry struct {
	UserID  string `json:"user_id"`
	Action  string `json:"action"`
	Details string `json:"details,omitempty"`
}
