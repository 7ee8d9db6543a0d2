package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// ErrInvalidGraph is wrapped by every ValidationError.
var ErrInvalidGraph = errors.New("invalid flow graph")

// ProblemCode classifies a validation problem.
type ProblemCode string

const (
	ProblemEmptyID          ProblemCode = "empty_id"
	ProblemDuplicateNode    ProblemCode = "duplicate_node"
	ProblemDuplicateEdge    ProblemCode = "duplicate_edge"
	ProblemMissingStart     ProblemCode = "missing_start"
	ProblemMultipleStart    ProblemCode = "multiple_start"
	ProblemUnknownType      ProblemCode = "unknown_type"
	ProblemUnknownSource    ProblemCode = "unknown_source"
	ProblemUnresolvedTarget ProblemCode = "unresolved_target"
	ProblemUnknownTarget    ProblemCode = "unknown_target"
	ProblemStartInbound     ProblemCode = "start_inbound"
	ProblemTerminalOutgoing ProblemCode = "terminal_outgoing"
	ProblemUnreachable      ProblemCode = "unreachable"
	ProblemAlwaysNotSole    ProblemCode = "always_not_sole"
	ProblemInvalidMessage   ProblemCode = "invalid_message"
	ProblemInvalidPayload   ProblemCode = "invalid_payload"
)

// Problem is one invariant violation.
type Problem struct {
	Code    ProblemCode `json:"code"`
	NodeID  string      `json:"node_id,omitempty"`
	EdgeID  string      `json:"edge_id,omitempty"`
	Message string      `json:"message"`
}

func (p Problem) String() string {
	switch {
	case p.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", p.EdgeID, p.Message)
	case p.NodeID != "":
		return fmt.Sprintf("node %s: %s", p.NodeID, p.Message)
	default:
		return p.Message
	}
}

// ValidationError lists every problem found in a graph.
type ValidationError struct {
	Problems []Problem `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("%s: %d problem(s): %s", ErrInvalidGraph, len(e.Problems), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidGraph }

// Has reports whether a problem with the given code was found.
func (e *ValidationError) Has(code ProblemCode) bool {
	for _, p := range e.Problems {
		if p.Code == code {
			return true
		}
	}
	return false
}

type validator struct {
	problems []Problem
}

func (v *validator) node(code ProblemCode, nodeID, format string, args ...interface{}) {
	v.problems = append(v.problems, Problem{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) edge(code ProblemCode, edgeID, format string, args ...interface{}) {
	v.problems = append(v.problems, Problem{Code: code, EdgeID: edgeID, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the structural and per-node invariants of a flow graph and
// returns a *ValidationError listing every problem, or nil.
func Validate(g *models.FlowGraph) error {
	v := &validator{}

	nodes := make(map[string]*models.Node, len(g.Nodes))
	var starts []string
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			v.node(ProblemEmptyID, "", "node %d has an empty id", i)
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			v.node(ProblemDuplicateNode, n.ID, "duplicate node id")
			continue
		}
		nodes[n.ID] = n
		if !models.IsValidNodeType(n.Type) || n.Payload == nil {
			v.node(ProblemUnknownType, n.ID, "unknown node type %q", n.Type)
			continue
		}
		if n.Type == models.NodeStart {
			starts = append(starts, n.ID)
		}
		v.checkMessages(n)
		v.checkPayload(n)
	}

	switch len(starts) {
	case 0:
		v.node(ProblemMissingStart, "", "flow has no start node")
	case 1:
	default:
		v.node(ProblemMultipleStart, "", "flow has %d start nodes: %s", len(starts), strings.Join(starts, ", "))
	}

	edgeIDs := make(map[string]bool, len(g.Edges))
	outgoing := make(map[string][]models.Decision)
	for _, d := range g.Edges {
		if d.ID != "" {
			if edgeIDs[d.ID] {
				v.edge(ProblemDuplicateEdge, d.ID, "duplicate edge id")
			}
			edgeIDs[d.ID] = true
		}
		src, ok := nodes[d.SourceNodeID]
		if !ok {
			v.edge(ProblemUnknownSource, d.ID, "source node %q does not exist", d.SourceNodeID)
			continue
		}
		if d.TargetNodeID == "" {
			v.edge(ProblemUnresolvedTarget, d.ID, "decision %q from %s has no target", d.Condition, src.ID)
		} else if dst, ok := nodes[d.TargetNodeID]; !ok {
			v.edge(ProblemUnknownTarget, d.ID, "target node %q does not exist", d.TargetNodeID)
		} else if dst.Type == models.NodeStart {
			v.edge(ProblemStartInbound, d.ID, "start node %s cannot have inbound decisions", dst.ID)
		}
		outgoing[src.ID] = append(outgoing[src.ID], d)
	}

	for id, decisions := range outgoing {
		n := nodes[id]
		if n.Type == models.NodeEndConversation {
			v.node(ProblemTerminalOutgoing, id, "end_conversation cannot have outgoing decisions")
		}
		if len(decisions) > 1 {
			for _, d := range decisions {
				if models.IsAlways(d.Condition) {
					v.node(ProblemAlwaysNotSole, id, "%q must be the only decision of its node", models.ConditionAlways)
					break
				}
			}
		}
	}

	if len(starts) == 1 {
		reached := reachable(starts[0], outgoing)
		for i := range g.Nodes {
			id := g.Nodes[i].ID
			if id != "" && !reached[id] {
				v.node(ProblemUnreachable, id, "node is not reachable from start")
			}
		}
	}

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

func reachable(start string, outgoing map[string][]models.Decision) map[string]bool {
	visited := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, d := range outgoing[current] {
			if d.TargetNodeID != "" && !visited[d.TargetNodeID] {
				queue = append(queue, d.TargetNodeID)
			}
		}
	}
	return visited
}

func (v *validator) checkMessages(n *models.Node) {
	for i, m := range n.Messages {
		if m.DelayMs < 0 {
			v.node(ProblemInvalidMessage, n.ID, "message %d has negative delayMs", i)
		}
		if !models.IsValidMediaKind(m.MediaKind) {
			v.node(ProblemInvalidMessage, n.ID, "message %d has unknown mediaKind %q", i, m.MediaKind)
		}
	}
}

func (v *validator) checkPayload(n *models.Node) {
	switch p := n.Payload.(type) {
	case *models.StartPayload:
		v.checkFallback(n.ID, p.Fallback)
	case *models.AskQuestionPayload:
		v.checkFallback(n.ID, p.Fallback)
	case *models.BranchDecisionPayload:
		v.checkFallback(n.ID, p.Fallback)
	case *models.SendMessagePayload, *models.ProvideInstructionsPayload:
	case *models.RequestDocumentPayload:
		if p.TimeoutMs < 0 {
			v.node(ProblemInvalidPayload, n.ID, "timeoutMs cannot be negative")
		}
	case *models.SendLinkPayload:
		if strings.TrimSpace(p.URL) == "" {
			v.node(ProblemInvalidPayload, n.ID, "send_link requires url")
		}
	case *models.SendMediaPayload:
		if strings.TrimSpace(p.MediaURL) == "" {
			v.node(ProblemInvalidPayload, n.ID, "send_media requires mediaUrl")
		}
		if p.MediaKind == models.MediaText || !models.IsValidMediaKind(p.MediaKind) {
			v.node(ProblemInvalidPayload, n.ID, "send_media mediaKind must be image or video")
		}
	case *models.ValidateDocumentPayload:
		if p.DocumentVariable == "" {
			v.node(ProblemInvalidPayload, n.ID, "validate_document requires documentVariable")
		}
	case *models.CheckIfDonePayload:
		if p.CheckField == "" {
			v.node(ProblemInvalidPayload, n.ID, "check_if_done requires checkField")
		}
		if !models.IsValidCheckOperator(p.CheckOperator) {
			v.node(ProblemInvalidPayload, n.ID, "unknown checkOperator %q", p.CheckOperator)
		}
	case *models.RetryWithVariationPayload:
		if len(p.Variations) == 0 {
			v.node(ProblemInvalidPayload, n.ID, "retry_with_variation requires variations")
		}
		if p.MaxRetries < 1 {
			v.node(ProblemInvalidPayload, n.ID, "maxRetries must be at least 1")
		}
	case *models.UpdateLeadDataPayload:
		if len(p.FieldUpdates) == 0 {
			v.node(ProblemInvalidPayload, n.ID, "update_lead_data requires fieldUpdates")
		}
		for i, u := range p.FieldUpdates {
			if strings.TrimSpace(u.Field) == "" {
				v.node(ProblemInvalidPayload, n.ID, "fieldUpdates[%d] has an empty field", i)
			}
		}
	case *models.MoveLeadInFunnelPayload:
		if p.FunnelID == "" || p.StageID == "" {
			v.node(ProblemInvalidPayload, n.ID, "move_lead_in_funnel requires funnelId and stageId")
		}
	case *models.TransferToHumanPayload:
		if (p.FunnelID == "") != (p.StageID == "") {
			v.node(ProblemInvalidPayload, n.ID, "transfer_to_human funnel move needs both funnelId and stageId")
		}
	case *models.EndConversationPayload:
		if p.Reason != "" && !models.IsValidEndReason(p.Reason) {
			v.node(ProblemInvalidPayload, n.ID, "unknown end reason %q", p.Reason)
		}
	}
}

func (v *validator) checkFallback(nodeID string, cfg *models.FallbackConfig) {
	if cfg == nil {
		return
	}
	if !models.IsValidFallbackAction(cfg.Acao) {
		v.node(ProblemInvalidPayload, nodeID, "unknown fallback acao %q", cfg.Acao)
		return
	}
	if cfg.Acao != models.FallbackRephrase {
		return
	}
	if cfg.TentativasMaximas < 1 {
		v.node(ProblemInvalidPayload, nodeID, "tentativas_maximas must be at least 1")
	}
	switch cfg.SeFalhar.Acao {
	case models.OnFailureTransferHuman, models.OnFailureContinue:
	case "":
		v.node(ProblemInvalidPayload, nodeID, "reformular fallback requires se_falhar.acao")
	default:
		v.node(ProblemInvalidPayload, nodeID, "unknown se_falhar acao %q", cfg.SeFalhar.Acao)
	}
}
