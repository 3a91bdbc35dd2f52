// Package definition holds the workflow catalog: a read-optimized registry
// of workflow definitions and a structural validator run at boot.
package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/nteguem/armelle-manager-sub002/model"
)

// snapshot is an immutable collection of workflow definitions indexed by ID.
type snapshot struct {
	workflows map[string]*model.WorkflowDefinition
	ordered   []*model.WorkflowDefinition
	commands  map[string]*model.WorkflowDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of workflow definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []*model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []*model.WorkflowDefinition) {
	s := &snapshot{
		workflows: make(map[string]*model.WorkflowDefinition, len(defs)),
		commands:  make(map[string]*model.WorkflowDefinition),
	}

	// System workflows take priority over user workflows; within a kind,
	// order is deterministic by ID.
	s.ordered = make([]*model.WorkflowDefinition, len(defs))
	copy(s.ordered, defs)
	sort.SliceStable(s.ordered, func(i, j int) bool {
		a, b := s.ordered[i], s.ordered[j]
		if a.System() != b.System() {
			return a.System()
		}
		return a.ID < b.ID
	})

	var checksumParts []string
	for _, def := range s.ordered {
		s.workflows[def.ID] = def
		checksumParts = append(checksumParts, fmt.Sprintf("%s/%s/%d", def.ID, def.Kind, len(def.Steps)))
		for _, cmd := range def.Commands {
			s.commands[normalizeCommand(cmd)] = def
		}
	}

	sort.Strings(checksumParts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, ":"))))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the workflow definition with the given ID.
func (r *Registry) Get(workflowID string) (*model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowID]
	return w, ok
}

// All returns every workflow definition, system workflows first.
func (r *Registry) All() []*model.WorkflowDefinition {
	s := r.current()
	out := make([]*model.WorkflowDefinition, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Eligible returns the workflows whose activation predicate passes for the
// given scope, system workflows first. Definitions without a predicate are
// always eligible.
func (r *Registry) Eligible(sc *model.Scope) []*model.WorkflowDefinition {
	s := r.current()
	var out []*model.WorkflowDefinition
	for _, def := range s.ordered {
		if def.Activation == nil || def.Activation.Evaluate(sc) {
			out = append(out, def)
		}
	}
	return out
}

// MatchCommand returns the workflow bound to the given command token, if any.
// Matching is case-insensitive on the trimmed text.
func (r *Registry) MatchCommand(text string) (*model.WorkflowDefinition, bool) {
	w, ok := r.current().commands[normalizeCommand(text)]
	return w, ok
}

// Count returns the number of registered workflows.
func (r *Registry) Count() int {
	return len(r.current().workflows)
}

// Checksum returns a digest of the registered definitions, for the admin API
// and readiness reporting.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func normalizeCommand(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
