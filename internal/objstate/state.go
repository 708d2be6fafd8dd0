package objstate

import (
	"context"
	"encoding/json"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

// GetState reads the value stored under (objectID, name) into T. A missing
// row fails with a state_not_found error; a stored value that does not
// decode as T's JSON fails with state_decode, never a silent zero value.
func GetState[T any](ctx context.Context, s *Store, objectID int64, name string) (T, error) {
	var zero T

	raw, found, err := s.selectStateJSON(ctx, objectID, name)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, ferrors.StateNotFoundError("no such state value").
			WithContext("object_id", objectID).
			WithContext("state_name", name).
			Build()
	}
	return decodeState[T](raw, objectID, name)
}

// GetStateDefault is GetState with a fallback: a missing row returns def and
// performs no write. Decode failures still fail loudly.
func GetStateDefault[T any](ctx context.Context, s *Store, objectID int64, name string, def T) (T, error) {
	var zero T

	raw, found, err := s.selectStateJSON(ctx, objectID, name)
	if err != nil {
		return zero, err
	}
	if !found {
		return def, nil
	}
	return decodeState[T](raw, objectID, name)
}

// AtomicCreateState returns the value stored under (objectID, name), creating
// it with create if absent. Exactly one value ever becomes durable for the
// key through this path: when the insert loses a race, the caller's created
// value is discarded and the winner's is read back and returned. create may
// run in more than one racing caller, but only one result is kept.
func AtomicCreateState[T any](ctx context.Context, s *Store, objectID int64, name string, create func() (T, error)) (T, error) {
	var zero T

	raw, found, err := s.selectStateJSON(ctx, objectID, name)
	if err != nil {
		return zero, err
	}
	if found {
		return decodeState[T](raw, objectID, name)
	}

	value, err := create()
	if err != nil {
		return zero, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return zero, ferrors.StateEncodeError("created state value is not JSON-serializable").
			WithCause(err).
			WithContext("state_name", name).
			Build()
	}

	if s.timingHook != nil {
		s.timingHook()
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO object_state (objectid, name, value_json) VALUES (?, ?, ?)",
		objectID, name, string(encoded),
	)
	if err == nil {
		return value, nil
	}
	if !isUniqueViolation(err) {
		return zero, ferrors.WrapError(err, ferrors.CategoryStorage, "insert created state").
			WithContext("state_name", name).
			Build()
	}

	// Someone beat us to it - return their value.
	raw, found, err = s.selectStateJSON(ctx, objectID, name)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, ferrors.InternalError("state vanished after create race").
			WithContext("object_id", objectID).
			WithContext("state_name", name).
			Build()
	}
	return decodeState[T](raw, objectID, name)
}

func decodeState[T any](raw string, objectID int64, name string) (T, error) {
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return value, ferrors.StateDecodeError("stored state value is not valid JSON for the requested type").
			WithCause(err).
			WithContext("object_id", objectID).
			WithContext("state_name", name).
			Build()
	}
	return value, nil
}
