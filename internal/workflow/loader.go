// Package workflow validates and loads workflow documents into the schema
// robots execute, enforcing resource and security limits before any node is
// ever decoded.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// Resource limits enforced unconditionally; see spec section 4.9.
const (
	MaxNodes       = 1000
	MaxConnections = 5000
	MaxIDLength    = 256
	MaxStringLen   = 10000
	MaxConfigDepth = 10
)

// forbiddenPatterns block config strings that could smuggle code execution
// into a node's configuration. Matching is case-insensitive.
var forbiddenPatterns = []string{
	"__import__",
	"eval(",
	"exec(",
	"compile(",
	"os.system",
	"subprocess.",
	"open(",
	"pickle.",
	"marshal.",
	"__builtins__",
	"__globals__",
}

// autoStartNodeID is the synthetic start node injected when a workflow
// document carries none of its own.
const autoStartNodeID = "__auto_start__"

// rawDocument mirrors the wire shape of a workflow document before node
// configs are validated.
type rawDocument struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Nodes       map[string]rawNode         `json:"nodes"`
	Connections []domain.WorkflowConnection `json:"connections"`
	Variables   map[string]any             `json:"variables"`
}

type rawNode struct {
	NodeType string          `json:"node_type"`
	Name     string          `json:"name"`
	Config   json.RawMessage `json:"config"`
}

// Load validates raw workflow JSON and returns the loadable schema. It never
// trusts caller-provided flags to bypass validation; validation is
// unconditional.
func Load(raw []byte) (domain.WorkflowSchema, error) {
	var doc rawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.WorkflowSchema{}, fmt.Errorf("workflow: decode: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if err := validateStructure(doc); err != nil {
		return domain.WorkflowSchema{}, err
	}
	return build(doc), nil
}

func validateStructure(doc rawDocument) error {
	if err := validateString(doc.Name, "name", 256); err != nil {
		return err
	}
	if len(doc.Nodes) > MaxNodes {
		return fmt.Errorf("workflow: %w: exceeds maximum of %d nodes (has %d)", domain.ErrSchemaInvalid, MaxNodes, len(doc.Nodes))
	}
	for nodeID, n := range doc.Nodes {
		if err := validateString(nodeID, "node_id", MaxIDLength); err != nil {
			return err
		}
		if n.NodeType == "" {
			return fmt.Errorf("workflow: %w: node %q missing node_type", domain.ErrSchemaInvalid, nodeID)
		}
		if err := validateString(n.NodeType, fmt.Sprintf("nodes.%s.node_type", nodeID), 128); err != nil {
			return err
		}
		if len(n.Config) == 0 {
			continue
		}
		var cfg any
		if err := json.Unmarshal(n.Config, &cfg); err != nil {
			return fmt.Errorf("workflow: %w: node %q config: %v", domain.ErrSchemaInvalid, nodeID, err)
		}
		if err := validateConfigValue(cfg, fmt.Sprintf("nodes.%s.config", nodeID), 0); err != nil {
			return err
		}
	}

	if len(doc.Connections) > MaxConnections {
		return fmt.Errorf("workflow: %w: exceeds maximum of %d connections (has %d)", domain.ErrSchemaInvalid, MaxConnections, len(doc.Connections))
	}
	for i, c := range doc.Connections {
		if err := validateString(c.FromNodeID, fmt.Sprintf("connections[%d].from_node_id", i), MaxIDLength); err != nil {
			return err
		}
		if err := validateString(c.ToNodeID, fmt.Sprintf("connections[%d].to_node_id", i), MaxIDLength); err != nil {
			return err
		}
		if err := validateString(c.FromPort, fmt.Sprintf("connections[%d].from_port", i), 128); err != nil {
			return err
		}
		if err := validateString(c.ToPort, fmt.Sprintf("connections[%d].to_port", i), 128); err != nil {
			return err
		}
	}
	return nil
}

func validateString(s, field string, max int) error {
	if len(s) > max {
		return fmt.Errorf("workflow: %w: field %q exceeds maximum length of %d", domain.ErrSchemaInvalid, field, max)
	}
	return nil
}

// validateConfigValue recursively walks a decoded config tree, rejecting
// excessive nesting, oversized strings, and forbidden substrings before any
// node-type-specific decode is attempted.
func validateConfigValue(v any, path string, depth int) error {
	if depth > MaxConfigDepth {
		return fmt.Errorf("workflow: %w: config at %q exceeds maximum nesting depth of %d", domain.ErrSchemaInvalid, path, MaxConfigDepth)
	}
	switch val := v.(type) {
	case nil, bool, float64:
		return nil
	case string:
		if len(val) > MaxStringLen {
			return fmt.Errorf("workflow: %w: config value at %q exceeds maximum length of %d", domain.ErrSchemaInvalid, path, MaxStringLen)
		}
		lower := strings.ToLower(val)
		for _, pattern := range forbiddenPatterns {
			if strings.Contains(lower, pattern) {
				return fmt.Errorf("workflow: %w: forbidden pattern %q found in config value at %q", domain.ErrSchemaInvalid, pattern, path)
			}
		}
		return nil
	case []any:
		for i, item := range val {
			if err := validateConfigValue(item, fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, item := range val {
			if err := validateString(k, path+".key", MaxIDLength); err != nil {
				return err
			}
			if err := validateConfigValue(item, fmt.Sprintf("%s.%s", path, k), depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("workflow: %w: unsupported config value type at %q", domain.ErrSchemaInvalid, path)
	}
}

// build deserializes a validated raw document into the schema, synthesizing
// a hidden Start node and connecting every unconnected, non-trigger node to
// it when the document carries no StartNode of its own.
func build(doc rawDocument) domain.WorkflowSchema {
	nodes := make([]domain.WorkflowNode, 0, len(doc.Nodes)+1)
	hasStart := false
	for id, n := range doc.Nodes {
		isTrigger := strings.Contains(n.NodeType, "Trigger")
		if n.NodeType == "StartNode" {
			hasStart = true
		}
		nodes = append(nodes, domain.WorkflowNode{
			ID:        id,
			Type:      n.NodeType,
			Name:      n.Name,
			Config:    n.Config,
			IsTrigger: isTrigger,
		})
	}

	connections := append([]domain.WorkflowConnection(nil), doc.Connections...)

	if !hasStart {
		nodes = append(nodes, domain.WorkflowNode{ID: autoStartNodeID, Type: "StartNode"})

		connectedExecIn := make(map[string]bool, len(connections))
		triggerTargets := make(map[string]bool)
		nodeTypeByID := make(map[string]string, len(nodes))
		for _, n := range nodes {
			nodeTypeByID[n.ID] = n.Type
		}
		for _, c := range connections {
			if c.ToPort == "exec_in" {
				connectedExecIn[c.ToNodeID] = true
			}
			if strings.Contains(nodeTypeByID[c.FromNodeID], "Trigger") && c.FromPort == "exec_out" {
				triggerTargets[c.ToNodeID] = true
			}
		}

		for _, n := range nodes {
			if n.ID == autoStartNodeID || n.IsTrigger {
				continue
			}
			if !connectedExecIn[n.ID] || triggerTargets[n.ID] {
				connections = append(connections, domain.WorkflowConnection{
					FromNodeID: autoStartNodeID,
					FromPort:   "exec_out",
					ToNodeID:   n.ID,
					ToPort:     "exec_in",
				})
			}
		}
	}

	return domain.WorkflowSchema{
		ID:          doc.ID,
		Name:        doc.Name,
		Nodes:       nodes,
		Connections: connections,
		Variables:   doc.Variables,
	}
}
