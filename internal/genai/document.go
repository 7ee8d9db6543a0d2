package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/openai/openai-go"
)

const documentSystemPrompt = `Você valida documentos enviados por leads pelo WhatsApp.
Responda apenas "sim" se o arquivo corresponde ao tipo de documento pedido e atende aos critérios,
ou "não" caso contrário. Não explique.`

// DocumentValidator checks received documents with a chat model. Images with
// a fetchable URL are sent to the model; other attachments are judged by their
// metadata.
type DocumentValidator struct {
	client *Client
}

var _ flow.DocumentValidator = (*DocumentValidator)(nil)

// NewDocumentValidator creates a DocumentValidator using client.
func NewDocumentValidator(client *Client) *DocumentValidator {
	return &DocumentValidator{client: client}
}

// ValidateDocument reports whether doc is a documentType meeting criteria.
func (v *DocumentValidator) ValidateDocument(ctx context.Context, doc models.Attachment, documentType, criteria string) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Tipo de documento pedido: %s\n", documentType)
	if criteria != "" {
		fmt.Fprintf(&b, "Critérios: %s\n", criteria)
	}
	fmt.Fprintf(&b, "Arquivo: tipo %q, nome %q, legenda %q", doc.MimeType, doc.FileName, doc.Caption)

	var user openai.ChatCompletionMessageParamUnion
	if isFetchableImage(doc) {
		user = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(b.String()),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: doc.Reference}),
		})
	} else {
		user = openai.UserMessage(b.String())
	}

	answer, err := v.client.Complete(ctx, "ValidateDocument", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(documentSystemPrompt),
		user,
	})
	if err != nil {
		return false, err
	}
	return parseVerdict(answer), nil
}

func isFetchableImage(doc models.Attachment) bool {
	ref := strings.ToLower(doc.Reference)
	return strings.HasPrefix(doc.MimeType, "image/") &&
		(strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://"))
}
