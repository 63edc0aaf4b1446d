package versioning

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// diffSchemas computes the per-category delta between two workflow
// definitions, per spec.md §4.7.
func diffSchemas(fromVersion, toVersion string, from, to domain.WorkflowSchema) domain.VersionDiff {
	diff := domain.VersionDiff{FromVersion: fromVersion, ToVersion: toVersion}

	fromNodes := indexNodes(from.Nodes)
	toNodes := indexNodes(to.Nodes)
	for id, node := range toNodes {
		if _, ok := fromNodes[id]; !ok {
			diff.NodesAdded = append(diff.NodesAdded, id)
		} else if !equalJSON(fromNodes[id], node) {
			diff.NodesModified = append(diff.NodesModified, id)
		}
	}
	for id := range fromNodes {
		if _, ok := toNodes[id]; !ok {
			diff.NodesRemoved = append(diff.NodesRemoved, id)
		}
	}
	sort.Strings(diff.NodesAdded)
	sort.Strings(diff.NodesRemoved)
	sort.Strings(diff.NodesModified)

	fromConns := indexConnections(from.Connections)
	toConns := indexConnections(to.Connections)
	for key, conn := range toConns {
		if _, ok := fromConns[key]; !ok {
			diff.ConnectionsAdded = append(diff.ConnectionsAdded, conn)
		}
	}
	for key, conn := range fromConns {
		if _, ok := toConns[key]; !ok {
			diff.ConnectionsRemoved = append(diff.ConnectionsRemoved, conn)
		}
	}
	sortConnections(diff.ConnectionsAdded)
	sortConnections(diff.ConnectionsRemoved)

	for name, v := range to.Variables {
		fromV, ok := from.Variables[name]
		if !ok {
			diff.VariablesAdded = append(diff.VariablesAdded, name)
		} else if !equalJSON(fromV, v) {
			diff.VariablesModified = append(diff.VariablesModified, name)
		}
	}
	for name := range from.Variables {
		if _, ok := to.Variables[name]; !ok {
			diff.VariablesRemoved = append(diff.VariablesRemoved, name)
		}
	}
	sort.Strings(diff.VariablesAdded)
	sort.Strings(diff.VariablesRemoved)
	sort.Strings(diff.VariablesModified)

	settingsChanged := map[string][2]any{}
	var settingsRemoved []string
	for key, v := range to.Settings {
		fromV, ok := from.Settings[key]
		if !ok {
			settingsChanged[key] = [2]any{nil, v}
			continue
		}
		if !equalJSON(fromV, v) {
			settingsChanged[key] = [2]any{fromV, v}
		}
	}
	for key := range from.Settings {
		if _, ok := to.Settings[key]; !ok {
			settingsRemoved = append(settingsRemoved, key)
		}
	}
	sort.Strings(settingsRemoved)
	diff.SettingsChanged = settingsChanged
	diff.SettingsRemoved = settingsRemoved

	return diff
}

func indexNodes(nodes []domain.WorkflowNode) map[string]domain.WorkflowNode {
	out := make(map[string]domain.WorkflowNode, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}

func indexConnections(conns []domain.WorkflowConnection) map[string]domain.WorkflowConnection {
	out := make(map[string]domain.WorkflowConnection, len(conns))
	for _, c := range conns {
		out[connectionKey(c)] = c
	}
	return out
}

func connectionKey(c domain.WorkflowConnection) string {
	return fmt.Sprintf("%s|%s|%s|%s", c.FromNodeID, c.FromPort, c.ToNodeID, c.ToPort)
}

func sortConnections(conns []domain.WorkflowConnection) {
	sort.Slice(conns, func(i, j int) bool {
		return connectionKey(conns[i]) < connectionKey(conns[j])
	})
}

// equalJSON compares two values by their canonical JSON encoding, since
// workflow node/variable content has no fixed Go type.
func equalJSON(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
