// Package messaging connects chat transports to the conversation engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of the inbound action channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long a transport waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a chat transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the canonical user ID for a
	// phone number or transport address.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage renders and sends one outbound instruction.
	SendMessage(ctx context.Context, to string, out models.Outbound) error

	// SendDocument delivers a file with an optional caption.
	SendDocument(ctx context.Context, to, path, caption string) error

	// Start begins receiving inbound events.
	Start(ctx context.Context) error

	// Stop stops receiving and closes the Actions channel.
	Stop() error

	// Actions returns the normalized inbound user actions.
	Actions() <-chan models.Action
}

// canonicalPhone strips everything but digits and requires at least 6.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("canonicalPhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// emit pushes a onto ch, dropping it when the channel stays full.
func emit(ch chan<- models.Action, a models.Action) bool {
	select {
	case ch <- a:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: actions channel blocked, dropping action", "userID", a.UserID, "kind", a.Kind, "timeout", DefaultChannelTimeout)
		return false
	}
}
