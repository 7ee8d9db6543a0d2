package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/openai/openai-go"
)

const intentSystemPrompt = `Você classifica mensagens de leads recebidas pelo WhatsApp.
Dada a mensagem do lead e a condição de uma decisão do fluxo, responda apenas "sim" se a mensagem
satisfaz a condição, ou "não" caso contrário. Não explique.`

// IntentMatcher decides free-text decisions with a chat model.
type IntentMatcher struct {
	client *Client
}

var _ flow.IntentMatcher = (*IntentMatcher)(nil)

// NewIntentMatcher creates an IntentMatcher using client.
func NewIntentMatcher(client *Client) *IntentMatcher {
	return &IntentMatcher{client: client}
}

// Match reports whether text satisfies condition.
func (m *IntentMatcher) Match(ctx context.Context, text, condition string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	user := fmt.Sprintf("Condição: %s\nMensagem do lead: %s", condition, text)
	answer, err := m.client.Complete(ctx, "MatchIntent", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(intentSystemPrompt),
		openai.UserMessage(user),
	})
	if err != nil {
		return false, err
	}
	return parseVerdict(answer), nil
}
