// Package graph decodes, validates and compiles flow graphs authored in the
// flow builder into read-only structures the engine can execute.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/LeadFlow/internal/models"
)

// Field aliases emitted by older editor versions.
var payloadAliases = map[string]string{
	"kanbanStageId":        "stageId",
	"notification_message": "notificationMessage",
	"fallbackConfig":       "fallback",
}

// Parse decodes a flow document in JSON or YAML form.
func Parse(data []byte) (*models.FlowGraph, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	return Decode(doc)
}

// CanonicalJSON re-encodes a JSON or YAML flow document as JSON for storage.
func CanonicalJSON(data []byte) ([]byte, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow document: %w", err)
	}
	return out, nil
}

func parseDocument(data []byte) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty flow document")
	}

	var doc map[string]interface{}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse flow JSON: %w", err)
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse flow YAML: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("flow document is not a mapping")
	}
	return doc, nil
}

// Decode converts a generic flow document into typed nodes and decisions.
// Unknown node types decode with a nil payload and are reported by Validate.
func Decode(doc map[string]interface{}) (*models.FlowGraph, error) {
	g := &models.FlowGraph{}
	if v, ok := doc["id"]; ok {
		g.ID = fmt.Sprint(v)
	}
	if v, ok := doc["name"]; ok {
		g.Name = fmt.Sprint(v)
	}

	rawNodes, err := asList(doc["nodes"], "nodes")
	if err != nil {
		return nil, err
	}
	for i, item := range rawNodes {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("node %d: expected a mapping, got %T", i, item)
		}
		node, err := decodeNode(fields)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		g.Nodes = append(g.Nodes, node)
	}

	edgesKey := "edges"
	if _, ok := doc[edgesKey]; !ok {
		edgesKey = "decisions"
	}
	rawEdges, err := asList(doc[edgesKey], edgesKey)
	if err != nil {
		return nil, err
	}
	for i, item := range rawEdges {
		var d models.Decision
		if err := decodeInto(item, &d); err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		g.Edges = append(g.Edges, d)
	}

	slog.Debug("graph.Decode: decoded flow", "flowID", g.ID, "nodes", len(g.Nodes), "edges", len(g.Edges))
	return g, nil
}

func decodeNode(fields map[string]interface{}) (models.Node, error) {
	flat := flatten(fields)

	var node models.Node
	if err := decodeInto(flat, &node); err != nil {
		return node, err
	}

	payload := models.NewPayload(node.Type)
	if payload == nil {
		return node, nil
	}
	if err := decodeInto(flat, payload); err != nil {
		return node, fmt.Errorf("%s payload: %w", node.Type, err)
	}
	node.Payload = payload
	return node, nil
}

// flatten merges a nested "data" block (as produced by canvas editors) into
// the node fields and applies legacy aliases. Top-level keys win.
func flatten(fields map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{}, len(fields))
	if data, ok := fields["data"].(map[string]interface{}); ok {
		for k, v := range data {
			flat[k] = v
		}
	}
	for k, v := range fields {
		if k == "data" {
			continue
		}
		flat[k] = v
	}
	for alias, canonical := range payloadAliases {
		if v, ok := flat[alias]; ok {
			if _, exists := flat[canonical]; !exists {
				flat[canonical] = v
			}
			delete(flat, alias)
		}
	}
	return flat
}

func decodeInto(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func asList(v interface{}, name string) ([]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: expected a list, got %T", name, v)
	}
	return list, nil
}
