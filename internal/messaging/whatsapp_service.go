package messaging

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/CardioCheck/internal/models"
	"github.com/BTreeMap/CardioCheck/internal/whatsapp"
)

// EventSource is the part of the whatsmeow client that delivers events.
type EventSource interface {
	AddEventHandler(fn func(evt any)) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	client   whatsapp.Sender
	events   EventSource
	keyboard *Keyboard
	actions  chan models.Action

	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
	hasEvents bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. Inbound events are received only when
// client also implements EventSource.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		keyboard: NewKeyboard(),
		actions:  make(chan models.Action, DefaultChannelBufferSize),
	}
	if src, ok := client.(EventSource); ok {
		s.events = src
	} else {
		slog.Debug("NewWhatsAppService: client has no event source, inbound disabled")
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerID = s.events.AddEventHandler(s.handleEvent)
	s.hasEvents = true
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the Actions channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.hasEvents {
		s.events.RemoveEventHandler(s.handlerID)
	}
	close(s.actions)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Actions returns inbound user actions.
func (s *WhatsAppService) Actions() <-chan models.Action {
	return s.actions
}

// SendMessage renders out with numbered options and sends it.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, out models.Outbound) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	body := s.keyboard.Render(canonical, out)
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "to", canonical, "error", err)
		return err
	}
	return nil
}

// SendDocument uploads and sends a file.
func (s *WhatsAppService) SendDocument(ctx context.Context, to, path, caption string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendDocument(ctx, canonical, path, caption)
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *WhatsAppService) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		if v.Info.IsFromMe || v.Info.IsGroup {
			return
		}
		a, ok := s.actionFromMessage(v.Info.ID, v.Info.Sender.User, v.Message, v.Info.Timestamp)
		if !ok {
			return
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.stopped {
			slog.Warn("WhatsAppService dropping inbound action (service stopped)", "userID", a.UserID)
			return
		}
		emit(s.actions, a)
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}

// actionFromMessage normalizes a whatsmeow message. Text is matched against
// the pending keyboard, contact cards become contact actions and other
// payloads become media actions.
func (s *WhatsAppService) actionFromMessage(id, sender string, msg *waE2E.Message, at time.Time) (models.Action, bool) {
	if msg == nil || sender == "" {
		return models.Action{}, false
	}
	var a models.Action
	switch {
	case msg.GetConversation() != "":
		return s.keyboard.Action(id, sender, msg.GetConversation(), at), true
	case msg.GetExtendedTextMessage().GetText() != "":
		return s.keyboard.Action(id, sender, msg.GetExtendedTextMessage().GetText(), at), true
	case msg.GetContactMessage() != nil:
		a = models.NewContactAction(sender, ParseVCard(msg.GetContactMessage().GetVcard()))
	case msg.GetImageMessage() != nil:
		a = models.NewMediaAction(sender, "photo")
	case msg.GetAudioMessage() != nil:
		a = models.NewMediaAction(sender, "voice")
	case msg.GetVideoMessage() != nil:
		a = models.NewMediaAction(sender, "video")
	case msg.GetDocumentMessage() != nil:
		a = models.NewMediaAction(sender, "document")
	case msg.GetStickerMessage() != nil:
		a = models.NewMediaAction(sender, "sticker")
	case msg.GetLocationMessage() != nil:
		a = models.NewMediaAction(sender, "location")
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", sender)
		return models.Action{}, false
	}
	a.ID = id
	if !at.IsZero() {
		a.ReceivedAt = at
	}
	return a, true
}

var (
	vcardWaID = regexp.MustCompile(`waid=(\d+)`)
	vcardTel  = regexp.MustCompile(`(?m)^TEL[^:]*:(.+)$`)
)

// ParseVCard extracts the phone number from a shared contact card. OwnerID
// is the WhatsApp account the card belongs to, empty when the card does not
// name one.
func ParseVCard(vcard string) models.Contact {
	var c models.Contact
	if m := vcardWaID.FindStringSubmatch(vcard); m != nil {
		c.OwnerID = m[1]
		c.Phone = "+" + m[1]
	}
	if m := vcardTel.FindStringSubmatch(vcard); m != nil && c.Phone == "" {
		if digits := phoneNumberRegex.ReplaceAllString(m[1], ""); digits != "" {
			c.Phone = "+" + digits
		}
	}
	return c
}
