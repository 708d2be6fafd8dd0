package logfields

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"Scheduler", KeyScheduler, "nightly-main", Scheduler("nightly-main")},
		{"StateName", KeyStateName, "last_build", StateName("last_build")},
		{"Codebase", KeyCodebase, "lib", Codebase("lib")},
		{"Branch", KeyBranch, "master", Branch("master")},
		{"Revision", KeyRevision, "2345:bcd", Revision("2345:bcd")},
		{"RequestSet", KeyRequestSet, "rs-1", RequestSet("rs-1")},
		{"Reason", KeyReason, "nightly", Reason("nightly")},
		{"Subject", KeySubject, "builds.request", Subject("builds.request")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.attrKey, tc.attr.Key)
			assert.Equal(t, tc.attrVal, tc.attr.Value.String())
		})
	}
}

func TestIntHelpers(t *testing.T) {
	assert.Equal(t, int64(42), ObjectID(42).Value.Int64())
	assert.Equal(t, int64(500), ChangeID(500).Value.Int64())
}

func TestFireAtHelper(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	attr := FireAt(at)
	assert.Equal(t, KeyFireAt, attr.Key)
	assert.Equal(t, at, attr.Value.Time())
}

func TestErrorHelper(t *testing.T) {
	assert.Equal(t, "", Error(nil).Value.String())
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())
}
