package flow

import (
	"log/slog"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// FallbackKind is the resolution of an unmatched input.
type FallbackKind int

const (
	// FallbackStall keeps waiting without sending anything.
	FallbackStall FallbackKind = iota
	// FallbackReprompt sends a reformulated prompt and keeps waiting.
	FallbackReprompt
	// FallbackTransfer hands the lead to a human and ends the conversation.
	FallbackTransfer
	// FallbackContinue leaves the node through its default decision.
	FallbackContinue
)

func (k FallbackKind) String() string {
	switch k {
	case FallbackReprompt:
		return "reprompt"
	case FallbackTransfer:
		return "transfer"
	case FallbackContinue:
		return "continue"
	default:
		return "stall"
	}
}

// FallbackOutcome tells the executor what to do with an unmatched input.
// Attempts is the counter value to store for the node.
type FallbackOutcome struct {
	Kind     FallbackKind
	Message  string
	Attempts int
}

// FallbackController resolves unmatched input on a node. It never fails.
type FallbackController struct{}

// Resolve applies cfg given the node's current attempt counter. hasDefault
// tells whether the node has a default decision (Sempre, else its first
// decision) to continue through.
func (FallbackController) Resolve(nodeID string, cfg *models.FallbackConfig, attempts int, hasDefault bool) FallbackOutcome {
	if cfg == nil {
		return FallbackOutcome{Kind: FallbackStall, Attempts: attempts}
	}

	switch cfg.Acao {
	case models.FallbackRephrase:
		attempts++
		if attempts <= cfg.TentativasMaximas {
			return FallbackOutcome{Kind: FallbackReprompt, Message: cfg.MensagemAlternativa, Attempts: attempts}
		}
		switch cfg.SeFalhar.Acao {
		case models.OnFailureTransferHuman:
			return FallbackOutcome{Kind: FallbackTransfer, Message: cfg.SeFalhar.Mensagem, Attempts: attempts}
		default:
			return FallbackOutcome{Kind: FallbackContinue, Message: cfg.SeFalhar.Mensagem, Attempts: attempts}
		}

	case models.FallbackTransferHuman:
		return FallbackOutcome{Kind: FallbackTransfer, Message: cfg.SeFalhar.Mensagem, Attempts: attempts}

	case models.FallbackSkipTo:
		slog.Warn("FallbackController.Resolve: pular_para has no target, treating as nao_fazer_nada", "nodeID", nodeID)
		fallthrough

	case models.FallbackDoNothing:
		if hasDefault {
			return FallbackOutcome{Kind: FallbackContinue, Attempts: attempts}
		}
		return FallbackOutcome{Kind: FallbackStall, Attempts: attempts}

	default:
		slog.Warn("FallbackController.Resolve: unknown action, stalling", "nodeID", nodeID, "acao", cfg.Acao)
		return FallbackOutcome{Kind: FallbackStall, Attempts: attempts}
	}
}
