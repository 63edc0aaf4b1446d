package versioning

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// History tracks every version of one workflow's definition: which one is
// active, their ordering, and transitions between lifecycle states. It is
// grounded on the original implementation's VersionHistory class.
type History struct {
	workflowID string

	mu       sync.RWMutex
	versions map[string]domain.WorkflowVersion // keyed by version.String()
	order    []string                          // version strings, kept sorted ascending
	active   string                             // version string, "" if none active
}

// NewHistory creates an empty version history for a workflow.
func NewHistory(workflowID string) *History {
	return &History{workflowID: workflowID, versions: map[string]domain.WorkflowVersion{}}
}

// ActiveVersion returns the currently active version, if any.
func (h *History) ActiveVersion() (domain.WorkflowVersion, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == "" {
		return domain.WorkflowVersion{}, false
	}
	v, ok := h.versions[h.active]
	return v, ok
}

// LatestVersion returns the highest-SemVer version regardless of status.
func (h *History) LatestVersion() (domain.WorkflowVersion, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.order) == 0 {
		return domain.WorkflowVersion{}, false
	}
	return h.versions[h.order[len(h.order)-1]], true
}

// VersionCount reports how many versions exist.
func (h *History) VersionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

// GetVersion looks up a specific version.
func (h *History) GetVersion(v domain.SemVer) (domain.WorkflowVersion, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	wv, ok := h.versions[v.String()]
	return wv, ok
}

// AddVersion inserts a new version, re-sorting the history by SemVer order.
// If the version's status is active, it is promoted via setActiveLocked
// (demoting whatever was previously active).
func (h *History) AddVersion(wv domain.WorkflowVersion) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := wv.Version.String()
	if _, exists := h.versions[key]; exists {
		return fmt.Errorf("op=versioning.add_version: version %s already exists for workflow %s", key, h.workflowID)
	}
	h.versions[key] = wv
	h.order = append(h.order, key)
	sort.Slice(h.order, func(i, j int) bool {
		return h.versions[h.order[i]].Version.LessThan(h.versions[h.order[j]].Version)
	})

	if wv.Status == domain.VersionActive {
		h.setActiveLocked(key)
	}
	return nil
}

// ActivateVersion transitions v to active, demoting the prior active
// version to deprecated.
func (h *History) ActivateVersion(v domain.SemVer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := v.String()
	wv, ok := h.versions[key]
	if !ok {
		return fmt.Errorf("op=versioning.activate: version %s not found for workflow %s", key, h.workflowID)
	}
	if !wv.Status.CanTransitionTo(domain.VersionActive) {
		return fmt.Errorf("op=versioning.activate: cannot transition %s from %s to active", key, wv.Status)
	}
	h.setActiveLocked(key)
	return nil
}

func (h *History) setActiveLocked(key string) {
	if h.active != "" && h.active != key {
		prev := h.versions[h.active]
		prev.Status = domain.VersionDeprecated
		h.versions[h.active] = prev
	}
	wv := h.versions[key]
	wv.Status = domain.VersionActive
	now := time.Now()
	wv.ActivatedAt = &now
	h.versions[key] = wv
	h.active = key
}

// CreateNewVersion bumps off the latest version (or 1.0.0 if none exists yet)
// and stores the result as a draft, ready for review before activation.
func (h *History) CreateNewVersion(definitionJSON string, bump domain.SemVerBump, changeSummary, createdBy string) (domain.WorkflowVersion, error) {
	schema, err := parseDefinition(definitionJSON)
	if err != nil {
		return domain.WorkflowVersion{}, err
	}

	h.mu.RLock()
	var parent *domain.SemVer
	next := domain.InitialSemVer()
	if len(h.order) > 0 {
		latest := h.versions[h.order[len(h.order)-1]]
		p := latest.Version
		parent = &p
		next = latest.Version.Bump(bump)
	}
	h.mu.RUnlock()

	wv := domain.WorkflowVersion{
		WorkflowID:      h.workflowID,
		Version:         next,
		Status:          domain.VersionDraft,
		DefinitionJSON:  definitionJSON,
		ChangeSummary:   changeSummary,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now(),
		ParentVersion:   parent,
		NodeCount:       len(schema.Nodes),
		ConnectionCount: len(schema.Connections),
		Checksum:        checksum(schema),
	}
	if err := h.AddVersion(wv); err != nil {
		return domain.WorkflowVersion{}, err
	}
	return wv, nil
}

// CanRollbackTo reports whether rolling back to v is safe: v must not be
// archived, and it must not introduce breaking changes relative to the
// currently active version.
func (h *History) CanRollbackTo(v domain.SemVer) (bool, error) {
	target, ok := h.GetVersion(v)
	if !ok {
		return false, fmt.Errorf("op=versioning.can_rollback: version %s not found for workflow %s", v, h.workflowID)
	}
	if target.IsArchived() {
		return false, nil
	}
	active, ok := h.ActiveVersion()
	if !ok {
		return true, nil
	}
	result, err := h.CheckCompatibility(v, active.Version)
	if err != nil {
		return false, err
	}
	return !result.HasBreakingChanges(), nil
}

// GenerateDiff computes the per-category delta between two stored versions'
// definitions.
func (h *History) GenerateDiff(from, to domain.SemVer) (domain.VersionDiff, error) {
	fromV, ok := h.GetVersion(from)
	if !ok {
		return domain.VersionDiff{}, fmt.Errorf("op=versioning.diff: version %s not found for workflow %s", from, h.workflowID)
	}
	toV, ok := h.GetVersion(to)
	if !ok {
		return domain.VersionDiff{}, fmt.Errorf("op=versioning.diff: version %s not found for workflow %s", to, h.workflowID)
	}
	fromSchema, err := parseDefinition(fromV.DefinitionJSON)
	if err != nil {
		return domain.VersionDiff{}, err
	}
	toSchema, err := parseDefinition(toV.DefinitionJSON)
	if err != nil {
		return domain.VersionDiff{}, err
	}
	return diffSchemas(from.String(), to.String(), fromSchema, toSchema), nil
}

// CheckCompatibility classifies the diff between two versions into breaking
// changes and warnings, per spec.md §4.7's classification table.
func (h *History) CheckCompatibility(from, to domain.SemVer) (domain.CompatibilityResult, error) {
	diff, err := h.GenerateDiff(from, to)
	if err != nil {
		return domain.CompatibilityResult{}, err
	}

	fromV, _ := h.GetVersion(from)
	toV, _ := h.GetVersion(to)
	fromSchema, _ := parseDefinition(fromV.DefinitionJSON)
	toSchema, _ := parseDefinition(toV.DefinitionJSON)

	var changes []domain.Change
	var warnings []string

	for _, id := range diff.NodesRemoved {
		changes = append(changes, newChange(domain.ChangeNodeRemoved, id, fmt.Sprintf("node %q was removed", id), "", ""))
	}
	for _, id := range diff.NodesModified {
		fromNode := findNode(fromSchema.Nodes, id)
		toNode := findNode(toSchema.Nodes, id)
		if fromNode.Type != toNode.Type {
			changes = append(changes, newChange(domain.ChangeNodeTypeChanged, id,
				fmt.Sprintf("node %q type changed from %q to %q", id, fromNode.Type, toNode.Type), fromNode.Type, toNode.Type))
		}
		changes = append(changes, portChanges(id, fromNode, toNode)...)
	}
	for _, conn := range diff.ConnectionsRemoved {
		changes = append(changes, newChange(domain.ChangeConnectionBroken,
			fmt.Sprintf("%s->%s", conn.FromNodeID, conn.ToNodeID),
			fmt.Sprintf("connection %s:%s -> %s:%s was removed", conn.FromNodeID, conn.FromPort, conn.ToNodeID, conn.ToPort), "", ""))
	}
	for _, name := range diff.VariablesRemoved {
		changes = append(changes, newChange(domain.ChangeVariableRemoved, name, fmt.Sprintf("variable %q was removed", name), "", ""))
	}
	for _, name := range diff.VariablesModified {
		fromType := variableType(fromSchema.Variables[name])
		toType := variableType(toSchema.Variables[name])
		if fromType != toType {
			changes = append(changes, newChange(domain.ChangeVariableTypeChanged, name,
				fmt.Sprintf("variable %q type changed from %q to %q", name, fromType, toType), fromType, toType))
		}
	}
	for _, key := range diff.SettingsRemoved {
		changes = append(changes, newChange(domain.ChangeSettingRemoved, key, fmt.Sprintf("setting %q was removed", key), "", ""))
	}

	var breaking []domain.Change
	for _, c := range changes {
		if c.Severity == domain.SeverityError {
			breaking = append(breaking, c)
		} else {
			warnings = append(warnings, c.Description)
		}
	}

	autoMigratable := true
	for _, c := range breaking {
		if c.Type == domain.ChangeNodeRemoved || c.Type == domain.ChangeNodeTypeChanged {
			autoMigratable = false
			break
		}
	}

	return domain.CompatibilityResult{
		FromVersion:       from,
		ToVersion:         to,
		IsCompatible:      len(breaking) == 0,
		BreakingChanges:   breaking,
		Warnings:          warnings,
		MigrationRequired: diff.HasChanges(),
		AutoMigratable:    autoMigratable,
	}, nil
}

func newChange(kind domain.BreakingChangeType, elementID, description, oldValue, newValue string) domain.Change {
	return domain.Change{
		Type:        kind,
		Severity:    domain.SeverityOf(kind),
		ElementID:   elementID,
		Description: description,
		OldValue:    oldValue,
		NewValue:    newValue,
	}
}

func portChanges(nodeID string, from, to domain.WorkflowNode) []domain.Change {
	var changes []domain.Change
	for name, fromPort := range from.InputPorts {
		toPort, ok := to.InputPorts[name]
		if !ok {
			changes = append(changes, newChange(domain.ChangePortRemoved, nodeID+"."+name,
				fmt.Sprintf("node %q lost input port %q", nodeID, name), "", ""))
			continue
		}
		if fromPort.Type != toPort.Type {
			changes = append(changes, newChange(domain.ChangePortTypeChanged, nodeID+"."+name,
				fmt.Sprintf("node %q port %q type changed from %q to %q", nodeID, name, fromPort.Type, toPort.Type),
				fromPort.Type, toPort.Type))
		}
	}
	for name, toPort := range to.InputPorts {
		if _, existed := from.InputPorts[name]; !existed && toPort.Required {
			changes = append(changes, newChange(domain.ChangeRequiredPortAdded, nodeID+"."+name,
				fmt.Sprintf("node %q gained new required input port %q", nodeID, name), "", ""))
		}
	}
	return changes
}

func findNode(nodes []domain.WorkflowNode, id string) domain.WorkflowNode {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return domain.WorkflowNode{}
}

func variableType(v any) string {
	if spec, ok := v.(map[string]any); ok {
		if t, ok := spec["type"].(string); ok {
			return t
		}
	}
	return fmt.Sprintf("%T", v)
}

// parseDefinition decodes a stored workflow definition for diffing.
func parseDefinition(definitionJSON string) (domain.WorkflowSchema, error) {
	var schema domain.WorkflowSchema
	if err := json.Unmarshal([]byte(definitionJSON), &schema); err != nil {
		return domain.WorkflowSchema{}, fmt.Errorf("op=versioning.parse_definition: %w", err)
	}
	return schema, nil
}

// checksum computes a short, stable fingerprint of a workflow definition,
// truncated to 16 hex characters as the original implementation does.
func checksum(schema domain.WorkflowSchema) string {
	canonical := map[string]any{
		"nodes":       schema.Nodes,
		"connections": schema.Connections,
		"variables":   schema.Variables,
		"settings":    schema.Settings,
	}
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)[:16]
}
