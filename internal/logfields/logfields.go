package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyScheduler  = "scheduler"
	KeyObjectID   = "object_id"
	KeyStateName  = "state_name"
	KeyChangeID   = "change_id"
	KeyCodebase   = "codebase"
	KeyBranch     = "branch"
	KeyRevision   = "revision"
	KeyRequestSet = "request_set_id"
	KeyReason     = "reason"
	KeyFireAt     = "fire_at"
	KeySubject    = "subject"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Scheduler(name string) slog.Attr { return slog.String(KeyScheduler, name) }
func ObjectID(id int64) slog.Attr     { return slog.Int64(KeyObjectID, id) }
func StateName(name string) slog.Attr { return slog.String(KeyStateName, name) }
func ChangeID(id int64) slog.Attr     { return slog.Int64(KeyChangeID, id) }
func Codebase(cb string) slog.Attr    { return slog.String(KeyCodebase, cb) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Revision(r string) slog.Attr     { return slog.String(KeyRevision, r) }
func RequestSet(id string) slog.Attr  { return slog.String(KeyRequestSet, id) }
func Reason(r string) slog.Attr       { return slog.String(KeyReason, r) }
func FireAt(t time.Time) slog.Attr    { return slog.Time(KeyFireAt, t) }
func Subject(s string) slog.Attr      { return slog.String(KeySubject, s) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
