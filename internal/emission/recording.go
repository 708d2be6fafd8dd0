package emission

import (
	"context"
	"fmt"
	"sync"

	"git.home.luguber.info/inful/buildsched/internal/changes"
)

// Call is one recorded emitter invocation.
type Call struct {
	Buildset  Buildset
	Stamps    []SourceStamp
	ChangeIDs []int64
}

// Recorder is an in-memory Emitter for tests and dry runs. It assigns
// deterministic sequential identifiers and keeps an ordered call log.
type Recorder struct {
	mu    sync.Mutex
	next  int
	calls []Call

	// Err, when set, is returned by every emit call.
	Err error
}

var _ Emitter = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) AddBuildsetForSourceStamps(_ context.Context, bs Buildset, stamps []SourceStamp) (BuildsetResult, error) {
	return r.record(bs, stamps, nil)
}

func (r *Recorder) AddBuildsetForChanges(_ context.Context, bs Buildset, chs []changes.Change) (BuildsetResult, error) {
	return r.record(bs, StampsFromChanges(chs), ChangeIDs(chs))
}

func (r *Recorder) record(bs Buildset, stamps []SourceStamp, changeIDs []int64) (BuildsetResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return BuildsetResult{}, r.Err
	}

	r.next++
	result := BuildsetResult{
		RequestSetID:    fmt.Sprintf("rs-%d", r.next),
		BuildRequestIDs: make(map[string]string, len(bs.Builders)),
	}
	for _, builder := range bs.Builders {
		result.BuildRequestIDs[builder] = fmt.Sprintf("rs-%d/%s", r.next, builder)
	}

	r.calls = append(r.calls, Call{
		Buildset:  bs,
		Stamps:    stamps,
		ChangeIDs: changeIDs,
	})
	return result, nil
}

// Calls returns a copy of the ordered call log.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset clears the call log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
