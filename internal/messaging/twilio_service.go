package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/CardioCheck/internal/models"
	"github.com/BTreeMap/CardioCheck/internal/twiliowhatsapp"
)

// TwilioOpts configures a TwilioService.
type TwilioOpts struct {
	// AuthToken enables X-Twilio-Signature validation when set.
	AuthToken string
	// WebhookURL is the public URL Twilio posts to, used for signatures.
	WebhookURL string
	// MaterialsBaseURL is the public URL under which documents are served.
	MaterialsBaseURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioOpts)

// WithSignatureValidation validates inbound webhooks against authToken for
// requests posted to webhookURL.
func WithSignatureValidation(authToken, webhookURL string) TwilioOption {
	return func(o *TwilioOpts) {
		o.AuthToken = authToken
		o.WebhookURL = webhookURL
	}
}

// WithMaterialsBaseURL sets the public URL prefix for documents.
func WithMaterialsBaseURL(base string) TwilioOption {
	return func(o *TwilioOpts) { o.MaterialsBaseURL = base }
}

// TwilioService implements Service with the Twilio REST API for outbound
// messages and a webhook for inbound ones.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	keyboard  *Keyboard
	validator *twilioclient.RequestValidator
	opts      TwilioOpts
	actions   chan models.Action
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &TwilioService{
		client:   client,
		keyboard: NewKeyboard(),
		opts:     cfg,
		actions:  make(chan models.Action, DefaultChannelBufferSize),
	}
	if cfg.AuthToken != "" {
		v := twilioclient.NewRequestValidator(cfg.AuthToken)
		s.validator = &v
	} else {
		slog.Warn("NewTwilioService: webhook signature validation disabled")
	}
	return s
}

// ValidateAndCanonicalizeRecipient accepts "whatsapp:+1555..." or a bare
// number and returns its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Actions channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.actions)
	return nil
}

// Actions returns inbound user actions.
func (s *TwilioService) Actions() <-chan models.Action {
	return s.actions
}

// SendMessage renders out with numbered options and sends it.
func (s *TwilioService) SendMessage(ctx context.Context, to string, out models.Outbound) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, s.keyboard.Render(canonical, out))
}

// SendDocument sends the file as media served under the materials base URL.
func (s *TwilioService) SendDocument(ctx context.Context, to, filePath, caption string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if s.opts.MaterialsBaseURL == "" {
		return fmt.Errorf("cannot send %s: no public materials URL configured", filepath.Base(filePath))
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	mediaURL, err := url.JoinPath(s.opts.MaterialsBaseURL, path.Base(filepath.ToSlash(filePath)))
	if err != nil {
		return fmt.Errorf("build media URL: %w", err)
	}
	return s.client.SendMedia(ctx, canonical, caption, mediaURL)
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits
// them as actions.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService: failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.opts.WebhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService: webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	a, err := s.actionFromForm(r.PostForm)
	if err != nil {
		slog.Warn("TwilioService: rejected webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	if !stopped {
		emit(s.actions, a)
	}
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) actionFromForm(form url.Values) (models.Action, error) {
	userID, err := s.ValidateAndCanonicalizeRecipient(form.Get("From"))
	if err != nil {
		return models.Action{}, fmt.Errorf("invalid From: %w", err)
	}
	id := form.Get("MessageSid")
	now := time.Now()

	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		a := models.NewMediaAction(userID, mediaKind(form.Get("MediaContentType0")))
		a.ID = id
		return a, nil
	}
	body := form.Get("Body")
	if body == "" {
		return models.Action{}, fmt.Errorf("missing Body")
	}
	return s.keyboard.Action(id, userID, body, now), nil
}

func mediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "photo"
	case strings.HasPrefix(contentType, "audio/"):
		return "voice"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.Contains(contentType, "vcard"):
		return "contact"
	}
	return "document"
}
