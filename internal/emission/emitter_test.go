package emission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildsched/internal/changes"
)

func TestStampsFromChangesLastPerCodebaseWins(t *testing.T) {
	chs := []changes.Change{
		{ID: 1, Codebase: "cbA", Repository: "git://repoA", Branch: "master", Revision: "rev1"},
		{ID: 2, Codebase: "cbB", Repository: "git://repoB", Branch: "master", Revision: "rev2"},
		{ID: 3, Codebase: "cbA", Repository: "git://repoA", Branch: "master", Revision: "rev3"},
	}

	stamps := StampsFromChanges(chs)
	require.Len(t, stamps, 2)
	assert.Equal(t, "cbA", stamps[0].Codebase)
	assert.Equal(t, "rev3", stamps[0].Revision, "later change supersedes the earlier one")
	assert.Equal(t, "cbB", stamps[1].Codebase)
	assert.Equal(t, "rev2", stamps[1].Revision)
}

func TestChangeIDsPreserveOrder(t *testing.T) {
	chs := []changes.Change{{ID: 500}, {ID: 502}, {ID: 503}}
	assert.Equal(t, []int64{500, 502, 503}, ChangeIDs(chs))
}

func TestRecorderAssignsSequentialIDs(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	bs := Buildset{Scheduler: "nightly", Builders: []string{"bldr1", "bldr2"}, Reason: "r"}
	res, err := rec.AddBuildsetForSourceStamps(ctx, bs, []SourceStamp{{Codebase: "cbA", Branch: "master"}})
	require.NoError(t, err)
	assert.Equal(t, "rs-1", res.RequestSetID)
	assert.Equal(t, "rs-1/bldr1", res.BuildRequestIDs["bldr1"])
	assert.Equal(t, "rs-1/bldr2", res.BuildRequestIDs["bldr2"])

	res, err = rec.AddBuildsetForChanges(ctx, bs, []changes.Change{{ID: 500, Codebase: "cbA"}})
	require.NoError(t, err)
	assert.Equal(t, "rs-2", res.RequestSetID)

	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].ChangeIDs)
	assert.Equal(t, []int64{500}, calls[1].ChangeIDs)
	assert.Equal(t, "cbA", calls[1].Stamps[0].Codebase)
}

func TestRecorderErrPropagates(t *testing.T) {
	rec := NewRecorder()
	rec.Err = assert.AnError

	_, err := rec.AddBuildsetForChanges(context.Background(),
		Buildset{Scheduler: "nightly", Builders: []string{"b"}}, nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, rec.Calls())
}
