package domain

import (
	"fmt"
	"time"
)

// VersionStatus captures the lifecycle state of a workflow version.
type VersionStatus string

// Version statuses.
const (
	VersionDraft      VersionStatus = "draft"
	VersionActive     VersionStatus = "active"
	VersionDeprecated VersionStatus = "deprecated"
	VersionArchived   VersionStatus = "archived"
)

// validVersionTransitions mirrors the original implementation's explicit
// state machine: draft -> active -> deprecated -> archived, with deprecated
// versions allowed to be reactivated.
var validVersionTransitions = map[VersionStatus]map[VersionStatus]bool{
	VersionDraft:      {VersionActive: true},
	VersionActive:     {VersionDeprecated: true},
	VersionDeprecated: {VersionArchived: true, VersionActive: true},
	VersionArchived:   {},
}

// CanTransitionTo reports whether moving from this status to next is a
// legal lifecycle transition.
func (s VersionStatus) CanTransitionTo(next VersionStatus) bool {
	return validVersionTransitions[s][next]
}

// BreakingChangeType classifies the kind of change found when diffing two
// workflow versions.
type BreakingChangeType string

// Breaking change types, matching spec.md's classification table.
const (
	ChangeNodeRemoved         BreakingChangeType = "node_removed"
	ChangeNodeTypeChanged     BreakingChangeType = "node_type_changed"
	ChangePortRemoved         BreakingChangeType = "port_removed"
	ChangePortTypeChanged     BreakingChangeType = "port_type_changed"
	ChangeRequiredPortAdded   BreakingChangeType = "required_port_added"
	ChangeConnectionBroken    BreakingChangeType = "connection_broken"
	ChangeVariableRemoved     BreakingChangeType = "variable_removed"
	ChangeVariableTypeChanged BreakingChangeType = "variable_type_changed"
	ChangeSettingRemoved      BreakingChangeType = "setting_removed"
)

// ChangeSeverity ranks how disruptive a detected change is. Only two
// severities exist: an "error" makes the target version incompatible, a
// "warning" merely flags a behavior change.
type ChangeSeverity string

// Change severities.
const (
	SeverityError   ChangeSeverity = "error"
	SeverityWarning ChangeSeverity = "warning"
)

// changeClassification is the table-driven mapping from a diff kind to its
// severity, per spec.md §4.7's classification table.
var changeClassification = map[BreakingChangeType]ChangeSeverity{
	ChangeNodeRemoved:         SeverityError,
	ChangeNodeTypeChanged:     SeverityError,
	ChangePortRemoved:         SeverityError,
	ChangePortTypeChanged:     SeverityError,
	ChangeRequiredPortAdded:   SeverityError,
	ChangeConnectionBroken:    SeverityWarning,
	ChangeVariableRemoved:     SeverityWarning,
	ChangeVariableTypeChanged: SeverityError,
	ChangeSettingRemoved:      SeverityWarning,
}

// SeverityOf returns the severity a diff kind is classified under.
func SeverityOf(kind BreakingChangeType) ChangeSeverity {
	return changeClassification[kind]
}

// SemVer is a parsed SemVer 2.0.0 version: major.minor.patch[-prerelease][+build].
type SemVer struct {
	Major      int
	Minor      int
	Patch      int
	PreRelease string
	Build      string
}

// InitialSemVer is the version a workflow's first draft is created at.
func InitialSemVer() SemVer { return SemVer{Major: 1, Minor: 0, Patch: 0} }

// String formats the version per SemVer 2.0.0.
func (v SemVer) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// IsPrerelease reports whether this version carries a pre-release tag.
func (v SemVer) IsPrerelease() bool { return v.PreRelease != "" }

// BumpMajorVersion increments major and resets minor/patch/prerelease/build.
func (v SemVer) BumpMajorVersion() SemVer { return SemVer{Major: v.Major + 1} }

// BumpMinorVersion increments minor and resets patch/prerelease/build.
func (v SemVer) BumpMinorVersion() SemVer { return SemVer{Major: v.Major, Minor: v.Minor + 1} }

// BumpPatchVersion increments patch and resets prerelease/build.
func (v SemVer) BumpPatchVersion() SemVer {
	return SemVer{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
}

// Bump applies the named bump kind.
func (v SemVer) Bump(kind SemVerBump) SemVer {
	switch kind {
	case BumpMajor:
		return v.BumpMajorVersion()
	case BumpMinor:
		return v.BumpMinorVersion()
	default:
		return v.BumpPatchVersion()
	}
}

// Compare orders two versions: -1 if v < other, 0 if equal, 1 if v > other.
// Pre-release versions sort before their release (null pre-release is
// "greater than" a non-null one), per SemVer 2.0.0 precedence rules.
func (v SemVer) Compare(other SemVer) int {
	if v.Major != other.Major {
		return cmpInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return cmpInt(v.Minor, other.Minor)
	}
	if v.Patch != other.Patch {
		return cmpInt(v.Patch, other.Patch)
	}
	switch {
	case v.PreRelease == "" && other.PreRelease == "":
		return 0
	case v.PreRelease == "":
		return 1
	case other.PreRelease == "":
		return -1
	case v.PreRelease == other.PreRelease:
		return 0
	case v.PreRelease < other.PreRelease:
		return -1
	default:
		return 1
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// LessThan reports whether v sorts before other.
func (v SemVer) LessThan(other SemVer) bool { return v.Compare(other) < 0 }

// IsCompatibleWith implements spec.md's compatibility rule: same major,
// and same minor too when major is 0 (pre-1.0 minor bumps are breaking).
func (v SemVer) IsCompatibleWith(other SemVer) bool {
	if v.Major != other.Major {
		return false
	}
	if v.Major == 0 {
		return v.Minor == other.Minor
	}
	return true
}

// SemVerBump enumerates which component a new-version request should
// increment.
type SemVerBump string

// SemVer bump kinds.
const (
	BumpMajor SemVerBump = "major"
	BumpMinor SemVerBump = "minor"
	BumpPatch SemVerBump = "patch"
)

// WorkflowVersion is one immutable snapshot of a workflow definition.
type WorkflowVersion struct {
	WorkflowID     string
	Version        SemVer
	Status         VersionStatus
	DefinitionJSON string
	ChangeSummary  string
	CreatedBy      string
	CreatedAt      time.Time
	ActivatedAt    *time.Time
	ArchivedAt     *time.Time
	ParentVersion  *SemVer
	Tags           []string
	NodeCount      int
	ConnectionCount int
	Checksum       string
}

// IsDraft, IsActive, IsDeprecated, IsArchived mirror the original's status
// predicates.
func (wv WorkflowVersion) IsDraft() bool      { return wv.Status == VersionDraft }
func (wv WorkflowVersion) IsActive() bool     { return wv.Status == VersionActive }
func (wv WorkflowVersion) IsDeprecated() bool { return wv.Status == VersionDeprecated }
func (wv WorkflowVersion) IsArchived() bool   { return wv.Status == VersionArchived }

// CanExecute reports whether jobs may be dispatched against this version.
func (wv WorkflowVersion) CanExecute() bool {
	return wv.Status == VersionActive || wv.Status == VersionDeprecated
}

// CanModify reports whether the version's definition may still be edited.
func (wv WorkflowVersion) CanModify() bool { return wv.Status == VersionDraft }

// Change describes one detected difference between two workflow versions.
type Change struct {
	Type        BreakingChangeType
	Severity    ChangeSeverity
	ElementID   string
	Description string
	OldValue    string
	NewValue    string
}

// CompatibilityResult is the outcome of checking compatibility between two
// workflow versions, matching spec.md §4.7 field-for-field.
type CompatibilityResult struct {
	FromVersion       SemVer
	ToVersion         SemVer
	IsCompatible      bool
	BreakingChanges   []Change
	Warnings          []string
	MigrationRequired bool
	AutoMigratable    bool
}

// HasBreakingChanges reports whether any error-severity change was found.
func (r CompatibilityResult) HasBreakingChanges() bool { return len(r.BreakingChanges) > 0 }

// VersionDiff is the per-category delta between two workflow definitions.
type VersionDiff struct {
	FromVersion string
	ToVersion   string

	NodesAdded    []string
	NodesRemoved  []string
	NodesModified []string

	ConnectionsAdded   []WorkflowConnection
	ConnectionsRemoved []WorkflowConnection

	VariablesAdded    []string
	VariablesRemoved  []string
	VariablesModified []string

	SettingsChanged map[string][2]any // key -> [old, new]
	SettingsRemoved []string
}

// HasChanges reports whether the diff found any difference at all.
func (d VersionDiff) HasChanges() bool {
	return len(d.NodesAdded)+len(d.NodesRemoved)+len(d.NodesModified) > 0 ||
		len(d.ConnectionsAdded)+len(d.ConnectionsRemoved) > 0 ||
		len(d.VariablesAdded)+len(d.VariablesRemoved)+len(d.VariablesModified) > 0 ||
		len(d.SettingsChanged)+len(d.SettingsRemoved) > 0
}

// WorkflowVersionRepository is the persistence port for workflow versions.
type WorkflowVersionRepository interface {
	Create(ctx Context, v WorkflowVersion) (WorkflowVersion, error)
	Get(ctx Context, workflowID string, version SemVer) (WorkflowVersion, error)
	GetActive(ctx Context, workflowID string) (WorkflowVersion, error)
	History(ctx Context, workflowID string) ([]WorkflowVersion, error)
	SetStatus(ctx Context, workflowID string, version SemVer, status VersionStatus) error
}
