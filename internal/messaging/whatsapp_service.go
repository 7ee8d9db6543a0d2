package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// AttachmentRefPrefix marks attachment references that point at a WhatsApp
// message id rather than a fetchable URL.
const AttachmentRefPrefix = "whatsapp:"

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	events   *eventChannels
	handler  uint32
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: newEventChannels("WhatsAppService"),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start registers the whatsmeow event handler when a live client is present.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the event channels.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handler != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	s.events.close()
	return nil
}

// SendMessage sends a text message to a canonicalized recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendMedia sends an image or video to a canonicalized recipient.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, kind models.MediaKind, url, caption string) error {
	if s.events.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMedia validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMedia(ctx, canonicalTo, kind, url, caption); err != nil {
		slog.Error("WhatsAppService SendMedia error", "error", err, "to", canonicalTo, "kind", kind)
		return err
	}
	s.events.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.events.receipts
}

// Inbound returns a channel of messages received from leads.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.events.inbound
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if msg, ok := inboundFromEvent(v); ok {
			if s.events.emitInbound(msg) {
				slog.Info("WhatsAppService incoming message forwarded", "from", msg.From, "id", msg.ID)
			}
		}
	case *events.Receipt:
		if receipt, ok := receiptFromEvent(v); ok {
			s.events.emitReceipt(receipt)
		}
	}
}

// inboundFromEvent converts a whatsmeow message into an InboundMessage.
// Messages sent by this account, group messages and messages without text or
// a supported attachment are skipped.
func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return models.InboundMessage{}, false
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}

	msg := models.InboundMessage{
		ID:   evt.Info.ID,
		From: evt.Info.Sender.User,
		Name: evt.Info.PushName,
		Time: evt.Info.Timestamp.Unix(),
	}

	m := evt.Message
	switch {
	case m.GetConversation() != "":
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		msg.Text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		msg.Attachment = attachmentOf(evt.Info.ID, m.GetImageMessage().GetMimetype(), "", m.GetImageMessage().GetCaption())
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		msg.Attachment = attachmentOf(evt.Info.ID, doc.GetMimetype(), doc.GetFileName(), doc.GetCaption())
	case m.GetVideoMessage() != nil:
		msg.Attachment = attachmentOf(evt.Info.ID, m.GetVideoMessage().GetMimetype(), "", m.GetVideoMessage().GetCaption())
	case m.GetAudioMessage() != nil:
		msg.Attachment = attachmentOf(evt.Info.ID, m.GetAudioMessage().GetMimetype(), "", "")
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", msg.From, "id", msg.ID)
		return models.InboundMessage{}, false
	}
	return msg, true
}

func attachmentOf(id, mimeType, fileName, caption string) *models.Attachment {
	return &models.Attachment{
		Reference: AttachmentRefPrefix + id,
		MimeType:  mimeType,
		FileName:  fileName,
		Caption:   caption,
	}
}

func receiptFromEvent(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	receipt := models.Receipt{
		To:     evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	}
	if len(evt.MessageIDs) > 0 {
		receipt.MessageID = string(evt.MessageIDs[0])
	}
	return receipt, true
}

// compile-time check
var _ Service = (*WhatsAppService)(nil)
