package resource

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type ConflictType string

const (
	ContentConflict       ConflictType = "content"
	MetadataConflict      ConflictType = "metadata"
	PermissionConflict    ConflictType = "permission"
	VersionConflict       ConflictType = "version"
	ContextConflict       ConflictType = "context"
	CollaborationConflict ConflictType = "collaboration"
	StructuralConflict    ConflictType = "structural"
	DependencyConflict    ConflictType = "dependency"
)

type ConflictDetails struct {
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Hashes      map[string]string `json:"hashes,omitempty"` // node id -> content hash
	BaseHash    string            `json:"base_hash,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
}

// SyncConflict is one detected, unresolved divergence.
type SyncConflict struct {
	ID                  string              `json:"id"`
	Nodes               []string            `json:"nodes"`
	Type                ConflictType        `json:"conflict_type"`
	Details             ConflictDetails     `json:"details"`
	SuggestedResolution *ConflictResolution `json:"suggested_resolution,omitempty"`
}

// key identifies the divergence independent of when it was detected.
func (c SyncConflict) key() string {
	nodes := slices.Clone(c.Nodes)
	slices.Sort(nodes)
	return string(c.Type) + "|" + strings.Join(nodes, ",")
}

func (c SyncConflict) involves(node string) bool {
	return slices.Contains(c.Nodes, node)
}

type Strategy string

const (
	StrategyUseInstance             Strategy = "use_instance"
	StrategyAutoMerge               Strategy = "auto_merge"
	StrategyManual                  Strategy = "manual"
	StrategyUseMostRecent           Strategy = "use_most_recent"
	StrategyUseHighestAttribution   Strategy = "use_highest_attribution"
	StrategyCollaborativeResolution Strategy = "collaborative"
	StrategyContextAdaptation       Strategy = "context_adaptation"
	StrategyCreateBranch            Strategy = "create_branch"
)

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyUseInstance, StrategyAutoMerge, StrategyManual, StrategyUseMostRecent,
		StrategyUseHighestAttribution, StrategyCollaborativeResolution,
		StrategyContextAdaptation, StrategyCreateBranch:
		return true
	}
	return false
}

// ConflictResolution is a tagged variant over Strategy.
type ConflictResolution struct {
	Strategy Strategy `json:"strategy"`
	Node     string   `json:"node,omitempty"`         // UseInstance
	Context  string   `json:"context,omitempty"`      // ContextAdaptation
	Branch   string   `json:"branch,omitempty"`       // CreateBranch
	Hash     string   `json:"content_hash,omitempty"` // Manual
}

func UseInstance(node string) ConflictResolution {
	return ConflictResolution{Strategy: StrategyUseInstance, Node: node}
}

func AutoMerge() ConflictResolution     { return ConflictResolution{Strategy: StrategyAutoMerge} }
func UseMostRecent() ConflictResolution { return ConflictResolution{Strategy: StrategyUseMostRecent} }

func UseHighestAttribution() ConflictResolution {
	return ConflictResolution{Strategy: StrategyUseHighestAttribution}
}

func CollaborativeResolution() ConflictResolution {
	return ConflictResolution{Strategy: StrategyCollaborativeResolution}
}

// ManualResolution settles the conflict on an externally chosen content hash.
func ManualResolution(hash string) ConflictResolution {
	return ConflictResolution{Strategy: StrategyManual, Hash: hash}
}

func ContextAdaptation(ctx string) ConflictResolution {
	return ConflictResolution{Strategy: StrategyContextAdaptation, Context: ctx}
}

func CreateBranch(name string) ConflictResolution {
	return ConflictResolution{Strategy: StrategyCreateBranch, Branch: name}
}

func (r ConflictResolution) Validate() error {
	if !r.Strategy.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedResolution, r.Strategy)
	}
	switch {
	case r.Strategy == StrategyUseInstance && r.Node == "":
		return fmt.Errorf("%w: use_instance needs a node", ErrUnsupportedResolution)
	case r.Strategy == StrategyManual && r.Hash == "":
		return fmt.Errorf("%w: manual resolution needs a content hash", ErrUnsupportedResolution)
	case r.Strategy == StrategyContextAdaptation && r.Context == "":
		return fmt.Errorf("%w: context_adaptation needs a context", ErrUnsupportedResolution)
	case r.Strategy == StrategyCreateBranch && r.Branch == "":
		return fmt.Errorf("%w: create_branch needs a branch name", ErrUnsupportedResolution)
	}
	return nil
}
