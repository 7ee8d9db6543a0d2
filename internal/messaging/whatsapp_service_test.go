package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/BTreeMap/LeadFlow/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Test SendMessage emits a sent receipt
func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	ctx := context.Background()
	if err := svc.SendMessage(ctx, "+55 (11) 99999-0000", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mockClient.SentMessages) != 1 || mockClient.SentMessages[0] != "5511999990000: hello" {
		t.Fatalf("unexpected sends: %v", mockClient.SentMessages)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "5511999990000" {
			t.Errorf("expected receipt.To 5511999990000, got %s", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected receipt.Status %s, got %s", models.MessageStatusSent, receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendMedia(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMedia(context.Background(), "5511999990000", models.MediaVideo, "https://example.com/v.mp4", "veja"); err != nil {
		t.Fatalf("SendMedia returned error: %v", err)
	}
	if len(mockClient.SentMedia) != 1 {
		t.Fatalf("expected 1 media send, got %d", len(mockClient.SentMedia))
	}
	got := mockClient.SentMedia[0]
	if got.Kind != models.MediaVideo || got.URL != "https://example.com/v.mp4" || got.Caption != "veja" {
		t.Errorf("unexpected media send: %+v", got)
	}
}

func TestWhatsAppService_SendErrors(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	ctx := context.Background()

	if err := svc.SendMessage(ctx, "123", "hi"); err == nil {
		t.Error("expected validation error for short number")
	}

	mockClient.Err = errors.New("offline")
	if err := svc.SendMessage(ctx, "5511999990000", "hi"); err == nil {
		t.Error("expected client error to propagate")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.SendMessage(ctx, "5511999990000", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	receipt, ok := <-svc.Receipts()
	if ok {
		t.Errorf("expected receipts channel closed, got value %v", receipt)
	}
	msg, ok := <-svc.Inbound()
	if ok {
		t.Errorf("expected inbound channel closed, got value %v", msg)
	}
}

func messageEvent(id string, m *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewJID("5511999990000", types.DefaultUserServer),
			},
			ID:        id,
			PushName:  "Ana",
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: m,
	}
}

func TestInboundFromEvent(t *testing.T) {
	tests := []struct {
		name        string
		evt         *events.Message
		wantOK      bool
		wantText    string
		wantRef     string
		wantMime    string
		wantFile    string
		wantCaption string
	}{
		{
			name:     "conversation text",
			evt:      messageEvent("M1", &waE2E.Message{Conversation: proto.String("sim")}),
			wantOK:   true,
			wantText: "sim",
		},
		{
			name: "extended text",
			evt: messageEvent("M2", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("quero saber mais"),
			}}),
			wantOK:   true,
			wantText: "quero saber mais",
		},
		{
			name: "image",
			evt: messageEvent("M3", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
				Mimetype: proto.String("image/jpeg"),
				Caption:  proto.String("meu rg"),
			}}),
			wantOK:      true,
			wantRef:     "whatsapp:M3",
			wantMime:    "image/jpeg",
			wantCaption: "meu rg",
		},
		{
			name: "document",
			evt: messageEvent("M4", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
				Mimetype: proto.String("application/pdf"),
				FileName: proto.String("rg.pdf"),
			}}),
			wantOK:   true,
			wantRef:  "whatsapp:M4",
			wantMime: "application/pdf",
			wantFile: "rg.pdf",
		},
		{
			name:   "unsupported",
			evt:    messageEvent("M5", &waE2E.Message{}),
			wantOK: false,
		},
		{
			name:   "nil message",
			evt:    messageEvent("M6", nil),
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := inboundFromEvent(tt.evt)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if msg.From != "5511999990000" || msg.Name != "Ana" || msg.Time != 1700000000 {
				t.Errorf("unexpected envelope: %+v", msg)
			}
			if msg.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", msg.Text, tt.wantText)
			}
			if tt.wantRef == "" {
				if msg.Attachment != nil {
					t.Errorf("unexpected attachment: %+v", msg.Attachment)
				}
				return
			}
			if msg.Attachment == nil {
				t.Fatal("expected attachment")
			}
			a := msg.Attachment
			if a.Reference != tt.wantRef || a.MimeType != tt.wantMime || a.FileName != tt.wantFile || a.Caption != tt.wantCaption {
				t.Errorf("unexpected attachment: %+v", a)
			}
		})
	}
}

func TestInboundFromEventSkipsOwnAndGroupMessages(t *testing.T) {
	own := messageEvent("M1", &waE2E.Message{Conversation: proto.String("oi")})
	own.Info.IsFromMe = true
	if _, ok := inboundFromEvent(own); ok {
		t.Error("own message should be skipped")
	}

	group := messageEvent("M2", &waE2E.Message{Conversation: proto.String("oi")})
	group.Info.IsGroup = true
	if _, ok := inboundFromEvent(group); ok {
		t.Error("group message should be skipped")
	}
}

func TestReceiptFromEvent(t *testing.T) {
	evt := &events.Receipt{
		MessageSource: types.MessageSource{Sender: types.NewJID("5511999990000", types.DefaultUserServer)},
		MessageIDs:    []types.MessageID{"M1"},
		Timestamp:     time.Unix(1700000000, 0),
		Type:          events.ReceiptTypeRead,
	}
	r, ok := receiptFromEvent(evt)
	if !ok {
		t.Fatal("expected read receipt")
	}
	if r.Status != models.MessageStatusRead || r.To != "5511999990000" || r.MessageID != "M1" {
		t.Errorf("unexpected receipt: %+v", r)
	}

	evt.Type = events.ReceiptTypeDelivered
	if r, ok := receiptFromEvent(evt); !ok || r.Status != models.MessageStatusDelivered {
		t.Errorf("expected delivered receipt, got %+v ok=%v", r, ok)
	}

	evt.Type = events.ReceiptTypeReadSelf
	if _, ok := receiptFromEvent(evt); ok {
		t.Error("self read receipts should be skipped")
	}
}

func TestWhatsAppService_HandleEventForwardsInbound(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.handleEvent(messageEvent("M1", &waE2E.Message{Conversation: proto.String("sim")}))

	select {
	case msg := <-svc.Inbound():
		if msg.ID != "M1" || msg.Text != "sim" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-0000", "5511999990000", false},
		{"5511999990000", "5511999990000", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalPhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalPhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
