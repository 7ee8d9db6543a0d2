package models

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	NodeStart               NodeType = "start"
	NodeAskQuestion         NodeType = "ask_question"
	NodeSendMessage         NodeType = "send_message"
	NodeRequestDocument     NodeType = "request_document"
	NodeSendLink            NodeType = "send_link"
	NodeSendMedia           NodeType = "send_media"
	NodeProvideInstructions NodeType = "provide_instructions"
	NodeValidateDocument    NodeType = "validate_document"
	NodeCheckIfDone         NodeType = "check_if_done"
	NodeBranchDecision      NodeType = "branch_decision"
	NodeRetryWithVariation  NodeType = "retry_with_variation"
	NodeUpdateLeadData      NodeType = "update_lead_data"
	NodeMoveLeadInFunnel    NodeType = "move_lead_in_funnel"
	NodeTransferToHuman     NodeType = "transfer_to_human"
	NodeEndConversation     NodeType = "end_conversation"
)

// IsValidNodeType reports whether t is one of the supported node types.
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeStart, NodeAskQuestion, NodeSendMessage, NodeRequestDocument, NodeSendLink,
		NodeSendMedia, NodeProvideInstructions, NodeValidateDocument, NodeCheckIfDone,
		NodeBranchDecision, NodeRetryWithVariation, NodeUpdateLeadData, NodeMoveLeadInFunnel,
		NodeTransferToHuman, NodeEndConversation:
		return true
	default:
		return false
	}
}

// MediaKind is the kind of content carried by a message template.
type MediaKind string

const (
	MediaText  MediaKind = "text"
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// IsValidMediaKind reports whether k is a supported media kind. The empty kind means text.
func IsValidMediaKind(k MediaKind) bool {
	switch k {
	case "", MediaText, MediaImage, MediaVideo:
		return true
	default:
		return false
	}
}

// MessageTemplate is one outbound message of a node. For image and video
// templates Content holds the media URL.
type MessageTemplate struct {
	Content   string    `json:"content"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`
	DelayMs   int64     `json:"delayMs,omitempty"`
}

// Reserved decision conditions. They are matched against internal events only.
const (
	ConditionTimeout          = "timeout"
	ConditionDocumentReceived = "documento_recebido"
	ConditionDocumentValid    = "documento_válido"
	ConditionDocumentInvalid  = "documento_inválido"
	ConditionAlreadyDone      = "já_fez"
	ConditionNotDoneYet       = "ainda_não_fez"
	ConditionSuccess          = "sucesso"
	ConditionLimitReached     = "limite_atingido"
	ConditionAlways           = "Sempre"
)

var sentinelConditions = []string{
	ConditionTimeout,
	ConditionDocumentReceived,
	ConditionDocumentValid,
	ConditionDocumentInvalid,
	ConditionAlreadyDone,
	ConditionNotDoneYet,
	ConditionSuccess,
	ConditionLimitReached,
}

// SentinelConditions returns the internal event conditions, excluding Sempre.
func SentinelConditions() []string {
	out := make([]string, len(sentinelConditions))
	copy(out, sentinelConditions)
	return out
}

// Decision is a prioritized, conditioned edge between two nodes.
type Decision struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
	OutputHandle int    `json:"outputHandle"`
	Priority     int    `json:"priority"`
	Condition    string `json:"condition"`
	Action       string `json:"action,omitempty"`
}

// Less orders decisions by ascending priority, then ascending output handle.
func (d Decision) Less(other Decision) bool {
	if d.Priority != other.Priority {
		return d.Priority < other.Priority
	}
	return d.OutputHandle < other.OutputHandle
}

// FallbackAction is the policy applied when no decision matches.
type FallbackAction string

const (
	FallbackRephrase      FallbackAction = "reformular"
	FallbackTransferHuman FallbackAction = "transferir_humano"
	FallbackSkipTo        FallbackAction = "pular_para"
	FallbackDoNothing     FallbackAction = "nao_fazer_nada"
)

// IsValidFallbackAction reports whether a is a known fallback action.
func IsValidFallbackAction(a FallbackAction) bool {
	switch a {
	case FallbackRephrase, FallbackTransferHuman, FallbackSkipTo, FallbackDoNothing:
		return true
	default:
		return false
	}
}

// OnFailureAction is applied once a rephrase fallback exhausts its attempts.
type OnFailureAction string

const (
	OnFailureTransferHuman OnFailureAction = "transferir_humano"
	OnFailureContinue      OnFailureAction = "seguir_fluxo"
)

// OnFailure configures what happens after the last rephrase attempt.
type OnFailure struct {
	Acao     OnFailureAction `json:"acao"`
	Mensagem string          `json:"mensagem,omitempty"`
}

// FallbackConfig is attached to nodes that match free-text decisions.
type FallbackConfig struct {
	Acao                FallbackAction `json:"acao"`
	TentativasMaximas   int            `json:"tentativas_maximas"`
	MensagemAlternativa string         `json:"mensagem_alternativa,omitempty"`
	SeFalhar            OnFailure      `json:"se_falhar"`
}

// EndReason records why a conversation stopped.
type EndReason string

const (
	EndCompleted   EndReason = "completed"
	EndCancelled   EndReason = "cancelled"
	EndTransferred EndReason = "transferred"
	EndTimeout     EndReason = "timeout"
	EndError       EndReason = "error"
)

// IsValidEndReason reports whether r is a known end reason.
func IsValidEndReason(r EndReason) bool {
	switch r {
	case EndCompleted, EndCancelled, EndTransferred, EndTimeout, EndError:
		return true
	default:
		return false
	}
}

// CheckOperator is a check_if_done comparison.
type CheckOperator string

const (
	CheckNotEmpty    CheckOperator = "not_empty"
	CheckEmpty       CheckOperator = "empty"
	CheckEquals      CheckOperator = "equals"
	CheckNotEquals   CheckOperator = "not_equals"
	CheckContains    CheckOperator = "contains"
	CheckGreaterThan CheckOperator = "greater_than"
	CheckLessThan    CheckOperator = "less_than"
)

// IsValidCheckOperator reports whether op is a known operator.
func IsValidCheckOperator(op CheckOperator) bool {
	switch op {
	case CheckNotEmpty, CheckEmpty, CheckEquals, CheckNotEquals, CheckContains, CheckGreaterThan, CheckLessThan:
		return true
	default:
		return false
	}
}

// Node is a single step of a flow. Payload holds the type-specific configuration
// and always matches Type.
type Node struct {
	ID          string            `json:"id"`
	Type        NodeType          `json:"type"`
	Label       string            `json:"label,omitempty"`
	Description string            `json:"description,omitempty"`
	Messages    []MessageTemplate `json:"messages,omitempty"`
	Payload     NodePayload       `json:"-"`
}

// Fallback returns the node's fallback configuration, if its type carries one.
func (n *Node) Fallback() *FallbackConfig {
	switch p := n.Payload.(type) {
	case *StartPayload:
		return p.Fallback
	case *AskQuestionPayload:
		return p.Fallback
	case *BranchDecisionPayload:
		return p.Fallback
	default:
		return nil
	}
}

// IsTerminal reports whether the node type halts a conversation on its own.
func (t NodeType) IsTerminal() bool {
	return t == NodeEndConversation
}

// WaitsForInput reports whether the node type suspends for an inbound event.
func (t NodeType) WaitsForInput() bool {
	switch t {
	case NodeStart, NodeAskQuestion, NodeRequestDocument, NodeBranchDecision:
		return true
	default:
		return false
	}
}

// NodePayload is the typed configuration of one node type. The set of
// implementations is closed.
type NodePayload interface {
	NodeType() NodeType
	isNodePayload()
}

type StartPayload struct {
	Fallback *FallbackConfig `json:"fallback,omitempty"`
}

type AskQuestionPayload struct {
	Fallback *FallbackConfig `json:"fallback,omitempty"`
}

type SendMessagePayload struct{}

type RequestDocumentPayload struct {
	DocumentType string `json:"documentType,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
	SaveVariable string `json:"saveVariable,omitempty"`
	CheckField   string `json:"checkField,omitempty"`
}

type SendLinkPayload struct {
	URL string `json:"url"`
}

type SendMediaPayload struct {
	MediaURL  string    `json:"mediaUrl"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`
	Caption   string    `json:"caption,omitempty"`
}

type ProvideInstructionsPayload struct {
	Instructions []string `json:"instructions,omitempty"`
}

type ValidateDocumentPayload struct {
	DocumentVariable   string `json:"documentVariable"`
	ValidationCriteria string `json:"validationCriteria,omitempty"`
}

type CheckIfDonePayload struct {
	CheckField    string        `json:"checkField"`
	CheckOperator CheckOperator `json:"checkOperator"`
	CheckValue    string        `json:"checkValue,omitempty"`
}

type BranchDecisionPayload struct {
	Fallback *FallbackConfig `json:"fallback,omitempty"`
}

type RetryWithVariationPayload struct {
	Variations []string `json:"variations"`
	MaxRetries int      `json:"maxRetries"`
}

// FieldUpdate sets one lead field; Value may contain {{variable}} placeholders.
type FieldUpdate struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type UpdateLeadDataPayload struct {
	FieldUpdates []FieldUpdate `json:"fieldUpdates"`
}

type MoveLeadInFunnelPayload struct {
	FunnelID string `json:"funnelId"`
	StageID  string `json:"stageId"`
}

type TransferToHumanPayload struct {
	NotifyPhone         string `json:"notifyPhone,omitempty"`
	NotificationMessage string `json:"notificationMessage,omitempty"`
	FunnelID            string `json:"funnelId,omitempty"`
	StageID             string `json:"stageId,omitempty"`
}

type EndConversationPayload struct {
	Reason EndReason `json:"reason,omitempty"`
}

func (*StartPayload) NodeType() NodeType               { return NodeStart }
func (*AskQuestionPayload) NodeType() NodeType         { return NodeAskQuestion }
func (*SendMessagePayload) NodeType() NodeType         { return NodeSendMessage }
func (*RequestDocumentPayload) NodeType() NodeType     { return NodeRequestDocument }
func (*SendLinkPayload) NodeType() NodeType            { return NodeSendLink }
func (*SendMediaPayload) NodeType() NodeType           { return NodeSendMedia }
func (*ProvideInstructionsPayload) NodeType() NodeType { return NodeProvideInstructions }
func (*ValidateDocumentPayload) NodeType() NodeType    { return NodeValidateDocument }
func (*CheckIfDonePayload) NodeType() NodeType         { return NodeCheckIfDone }
func (*BranchDecisionPayload) NodeType() NodeType      { return NodeBranchDecision }
func (*RetryWithVariationPayload) NodeType() NodeType  { return NodeRetryWithVariation }
func (*UpdateLeadDataPayload) NodeType() NodeType      { return NodeUpdateLeadData }
func (*MoveLeadInFunnelPayload) NodeType() NodeType    { return NodeMoveLeadInFunnel }
func (*TransferToHumanPayload) NodeType() NodeType     { return NodeTransferToHuman }
func (*EndConversationPayload) NodeType() NodeType     { return NodeEndConversation }

func (*StartPayload) isNodePayload()               {}
func (*AskQuestionPayload) isNodePayload()         {}
func (*SendMessagePayload) isNodePayload()         {}
func (*RequestDocumentPayload) isNodePayload()     {}
func (*SendLinkPayload) isNodePayload()            {}
func (*SendMediaPayload) isNodePayload()           {}
func (*ProvideInstructionsPayload) isNodePayload() {}
func (*ValidateDocumentPayload) isNodePayload()    {}
func (*CheckIfDonePayload) isNodePayload()         {}
func (*BranchDecisionPayload) isNodePayload()      {}
func (*RetryWithVariationPayload) isNodePayload()  {}
func (*UpdateLeadDataPayload) isNodePayload()      {}
func (*MoveLeadInFunnelPayload) isNodePayload()    {}
func (*TransferToHumanPayload) isNodePayload()     {}
func (*EndConversationPayload) isNodePayload()     {}

// NewPayload returns an empty payload for t, or nil for an unknown type.
func NewPayload(t NodeType) NodePayload {
	switch t {
	case NodeStart:
		return &StartPayload{}
	case NodeAskQuestion:
		return &AskQuestionPayload{}
	case NodeSendMessage:
		return &SendMessagePayload{}
	case NodeRequestDocument:
		return &RequestDocumentPayload{}
	case NodeSendLink:
		return &SendLinkPayload{}
	case NodeSendMedia:
		return &SendMediaPayload{}
	case NodeProvideInstructions:
		return &ProvideInstructionsPayload{}
	case NodeValidateDocument:
		return &ValidateDocumentPayload{}
	case NodeCheckIfDone:
		return &CheckIfDonePayload{}
	case NodeBranchDecision:
		return &BranchDecisionPayload{}
	case NodeRetryWithVariation:
		return &RetryWithVariationPayload{}
	case NodeUpdateLeadData:
		return &UpdateLeadDataPayload{}
	case NodeMoveLeadInFunnel:
		return &MoveLeadInFunnelPayload{}
	case NodeTransferToHuman:
		return &TransferToHumanPayload{}
	case NodeEndConversation:
		return &EndConversationPayload{}
	default:
		return nil
	}
}

// FlowGraph is the decoded flow document.
type FlowGraph struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Nodes []Node     `json:"nodes"`
	Edges []Decision `json:"edges"`
}
