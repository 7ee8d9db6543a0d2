package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/twiliowhatsapp"
)

// WebhookValidator verifies the X-Twilio-Signature header of a webhook.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	validator WebhookValidator
	publicURL string
	events    *eventChannels
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhooks whose signature does not match
// publicURL, the externally visible URL Twilio posts to.
func WithWebhookValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService with a real Twilio client
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	service := &TwilioService{
		client: client,
		events: newEventChannels("TwilioService"),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalPhone(twiliowhatsapp.StripAddress(recipient))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound traffic arrives through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.events.close()
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendMedia sends an image or video via Twilio and emits a receipt
func (s *TwilioService) SendMedia(ctx context.Context, to string, kind models.MediaKind, url, caption string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMedia validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMedia(ctx, canonicalTo, kind, url, caption); err != nil {
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Inbound returns the channel of messages received through the webhook.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.events.inbound
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Inbound() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.Webhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.Webhook: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg, err := inboundFromForm(r)
	if err != nil {
		slog.Warn("TwilioService.Webhook: rejected message", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService.Webhook: inbound message", "from", msg.From, "id", msg.ID, "attachment", msg.Attachment != nil)
	if !s.events.emitInbound(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func inboundFromForm(r *http.Request) (models.InboundMessage, error) {
	from := twiliowhatsapp.StripAddress(r.FormValue("From"))
	sid := r.FormValue("MessageSid")
	body := strings.TrimSpace(r.FormValue("Body"))

	if from == "" || sid == "" {
		return models.InboundMessage{}, fmt.Errorf("missing required fields")
	}

	msg := models.InboundMessage{
		ID:   sid,
		From: from,
		Name: r.FormValue("ProfileName"),
		Text: body,
		Time: time.Now().Unix(),
	}
	if r.FormValue("NumMedia") != "" && r.FormValue("NumMedia") != "0" {
		msg.Attachment = &models.Attachment{
			Reference: r.FormValue("MediaUrl0"),
			MimeType:  r.FormValue("MediaContentType0"),
			Caption:   body,
		}
		msg.Text = ""
	}
	if msg.Text == "" && (msg.Attachment == nil || msg.Attachment.Reference == "") {
		return models.InboundMessage{}, fmt.Errorf("message has neither text nor media")
	}
	return msg, nil
}

// compile-time check
var _ Service = (*TwilioService)(nil)
