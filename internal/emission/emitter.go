// Package emission is the boundary through which schedulers hand finished
// build requests to the rest of the system. Schedulers never talk to builders
// directly; they describe what to build and the emitter assigns identifiers
// and carries the request outward.
package emission

import (
	"context"

	"git.home.luguber.info/inful/buildsched/internal/changes"
)

// SourceStamp pins one codebase to a point in its history. An empty Revision
// means "latest on Branch".
type SourceStamp struct {
	Codebase   string `json:"codebase"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Revision   string `json:"revision"`
	Project    string `json:"project"`
}

// Buildset describes one request-set to emit.
type Buildset struct {
	Scheduler  string         `json:"scheduler"`
	Builders   []string       `json:"builders"`
	Reason     string         `json:"reason"`
	Priority   int            `json:"priority"`
	Properties map[string]any `json:"properties,omitempty"`
	// WaitedFor marks requests whose completion a caller is blocking on.
	WaitedFor bool `json:"waited_for,omitempty"`
	// External identifier of the entity the request is made on behalf of,
	// e.g. a force-build user. Empty for timer fires.
	Owner string `json:"owner,omitempty"`
}

// BuildsetResult reports the identifiers assigned to an emitted buildset.
type BuildsetResult struct {
	RequestSetID    string            `json:"request_set_id"`
	BuildRequestIDs map[string]string `json:"build_request_ids"` // builder name -> request id
}

// Emitter accepts finished buildsets. AddBuildsetForSourceStamps emits
// against explicit source stamps; AddBuildsetForChanges derives the stamps
// from the given changes (latest change per codebase) and attaches the change
// ids, preserving their order.
type Emitter interface {
	AddBuildsetForSourceStamps(ctx context.Context, bs Buildset, stamps []SourceStamp) (BuildsetResult, error)
	AddBuildsetForChanges(ctx context.Context, bs Buildset, chs []changes.Change) (BuildsetResult, error)
}

// StampsFromChanges derives one source stamp per codebase from an ordered
// change list. The last change seen for a codebase wins; codebase order
// follows first appearance.
func StampsFromChanges(chs []changes.Change) []SourceStamp {
	index := make(map[string]int)
	var stamps []SourceStamp
	for _, ch := range chs {
		stamp := SourceStamp{
			Codebase:   ch.Codebase,
			Repository: ch.Repository,
			Branch:     ch.Branch,
			Revision:   ch.Revision,
			Project:    ch.Project,
		}
		if i, ok := index[ch.Codebase]; ok {
			stamps[i] = stamp
			continue
		}
		index[ch.Codebase] = len(stamps)
		stamps = append(stamps, stamp)
	}
	return stamps
}

// ChangeIDs extracts the ids of an ordered change list, preserving order.
func ChangeIDs(chs []changes.Change) []int64 {
	ids := make([]int64, len(chs))
	for i, ch := range chs {
		ids[i] = ch.ID
	}
	return ids
}
