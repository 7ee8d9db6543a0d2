package genai

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp  openai.ChatCompletion
	err   error
	calls []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls = append(m.calls, params)
	return m.resp, m.err
}

func answer(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func newTestClient(chat chatService) *Client {
	return &Client{chat: chat, model: "test-model", maxTokens: 8}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: answer("Hello World")}
	client := newTestClient(mock)
	out, err := client.Complete(context.Background(), "Test", []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.calls) != 1 || string(mock.calls[0].Model) != "test-model" {
		t.Errorf("unexpected calls: %+v", mock.calls)
	}
}

func TestComplete_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.Complete(context.Background(), "Test", nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}})
	_, err := client.Complete(context.Background(), "Test", nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0.2))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.temperature != 0.2 {
		t.Errorf("options not applied: model=%s temperature=%v", cli.model, cli.temperature)
	}
}

func TestDebugLogging(t *testing.T) {
	dir := t.TempDir()
	client := newTestClient(&mockChatService{resp: answer("sim")})
	client.debugMode = true
	client.stateDir = dir

	if _, err := client.Complete(context.Background(), "MatchIntent", nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	files, err := os.ReadDir(filepath.Join(dir, "debug"))
	if err != nil {
		t.Fatalf("debug directory not created: %v", err)
	}
	if len(files) != 1 || !strings.HasSuffix(files[0].Name(), "_MatchIntent.json") {
		t.Errorf("unexpected debug files: %v", files)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := map[string]bool{
		"sim":            true,
		"Sim.":           true,
		" SIM, satisfaz": true,
		"yes":            true,
		"não":            false,
		"nao":            false,
		"simplesmente":   false,
		"":               false,
		"talvez":         false,
	}
	for in, want := range tests {
		if got := parseVerdict(in); got != want {
			t.Errorf("parseVerdict(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIntentMatcher(t *testing.T) {
	mock := &mockChatService{resp: answer("sim")}
	m := NewIntentMatcher(newTestClient(mock))
	ctx := context.Background()

	ok, err := m.Match(ctx, "quero sim, pode mandar", "lead aceitou")
	if err != nil || !ok {
		t.Fatalf("Match() = %v, %v", ok, err)
	}

	ok, err = m.Match(ctx, "   ", "lead aceitou")
	if err != nil || ok {
		t.Errorf("blank text should not match: %v, %v", ok, err)
	}
	if len(mock.calls) != 1 {
		t.Errorf("blank text should not call the model, calls=%d", len(mock.calls))
	}

	mock.resp = answer("não")
	if ok, _ := m.Match(ctx, "agora não", "lead aceitou"); ok {
		t.Error("negative answer matched")
	}

	mock.err = errors.New("timeout")
	if _, err := m.Match(ctx, "sim", "lead aceitou"); err == nil {
		t.Error("expected error from service")
	}
}

func TestDocumentValidator(t *testing.T) {
	mock := &mockChatService{resp: answer("sim")}
	v := NewDocumentValidator(newTestClient(mock))
	ctx := context.Background()

	doc := models.Attachment{Reference: "https://example.com/rg.jpg", MimeType: "image/jpeg"}
	ok, err := v.ValidateDocument(ctx, doc, "rg", "frente legível")
	if err != nil || !ok {
		t.Fatalf("ValidateDocument() = %v, %v", ok, err)
	}

	mock.resp = answer("não")
	ok, err = v.ValidateDocument(ctx, models.Attachment{Reference: "whatsapp:M1", MimeType: "audio/ogg"}, "rg", "")
	if err != nil || ok {
		t.Errorf("ValidateDocument() = %v, %v", ok, err)
	}
}

func TestIsFetchableImage(t *testing.T) {
	tests := []struct {
		doc  models.Attachment
		want bool
	}{
		{models.Attachment{Reference: "https://x/a.png", MimeType: "image/png"}, true},
		{models.Attachment{Reference: "whatsapp:M1", MimeType: "image/png"}, false},
		{models.Attachment{Reference: "https://x/a.pdf", MimeType: "application/pdf"}, false},
	}
	for _, tt := range tests {
		if got := isFetchableImage(tt.doc); got != tt.want {
			t.Errorf("isFetchableImage(%+v) = %v, want %v", tt.doc, got, tt.want)
		}
	}
}
