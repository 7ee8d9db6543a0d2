package flow

import (
	"testing"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

func TestFallbackController_Resolve(t *testing.T) {
	rephraseTransfer := &models.FallbackConfig{
		Acao:                models.FallbackRephrase,
		TentativasMaximas:   2,
		MensagemAlternativa: "De novo?",
		SeFalhar:            models.OnFailure{Acao: models.OnFailureTransferHuman, Mensagem: "Chamando atendente"},
	}
	rephraseContinue := &models.FallbackConfig{
		Acao:              models.FallbackRephrase,
		TentativasMaximas: 1,
		SeFalhar:          models.OnFailure{Acao: models.OnFailureContinue},
	}

	tests := []struct {
		name       string
		cfg        *models.FallbackConfig
		attempts   int
		hasDefault bool
		want       FallbackOutcome
	}{
		{"no config stalls", nil, 0, false, FallbackOutcome{Kind: FallbackStall}},
		{"first rephrase", rephraseTransfer, 0, false, FallbackOutcome{Kind: FallbackReprompt, Message: "De novo?", Attempts: 1}},
		{"last rephrase", rephraseTransfer, 1, false, FallbackOutcome{Kind: FallbackReprompt, Message: "De novo?", Attempts: 2}},
		{"exhausted transfers", rephraseTransfer, 2, false, FallbackOutcome{Kind: FallbackTransfer, Message: "Chamando atendente", Attempts: 3}},
		{"exhausted continues", rephraseContinue, 1, true, FallbackOutcome{Kind: FallbackContinue, Attempts: 2}},
		{"transfer immediately", &models.FallbackConfig{Acao: models.FallbackTransferHuman}, 0, false, FallbackOutcome{Kind: FallbackTransfer}},
		{"do nothing without decisions", &models.FallbackConfig{Acao: models.FallbackDoNothing}, 0, false, FallbackOutcome{Kind: FallbackStall}},
		{"do nothing with default decision", &models.FallbackConfig{Acao: models.FallbackDoNothing}, 0, true, FallbackOutcome{Kind: FallbackContinue}},
		{"skip to without decisions", &models.FallbackConfig{Acao: models.FallbackSkipTo}, 0, false, FallbackOutcome{Kind: FallbackStall}},
		{"skip to with default decision", &models.FallbackConfig{Acao: models.FallbackSkipTo}, 0, true, FallbackOutcome{Kind: FallbackContinue}},
		{"unknown action stalls", &models.FallbackConfig{Acao: "inventada"}, 0, true, FallbackOutcome{Kind: FallbackStall}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FallbackController{}.Resolve("n1", tt.cfg, tt.attempts, tt.hasDefault)
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFallbackKind_String(t *testing.T) {
	for kind, want := range map[FallbackKind]string{
		FallbackStall:    "stall",
		FallbackReprompt: "reprompt",
		FallbackTransfer: "transfer",
		FallbackContinue: "continue",
	} {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
