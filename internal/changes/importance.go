package changes

import (
	"github.com/bmatcuk/doublestar/v4"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

// ImportancePredicate decides whether a change is significant enough to
// justify a change-gated build. A predicate error never fails the change
// intake: the caller logs it and records the change as unimportant.
type ImportancePredicate func(Change) (bool, error)

// AllImportant treats every change as important.
func AllImportant(Change) (bool, error) {
	return true, nil
}

// FilePatterns builds a predicate that marks a change important when any of
// its files matches any of the given doublestar glob patterns.
func FilePatterns(patterns []string) (ImportancePredicate, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, ferrors.ConfigError("invalid important-file pattern").
				WithContext("pattern", p).
				Build()
		}
	}
	return func(ch Change) (bool, error) {
		for _, file := range ch.Files {
			for _, p := range patterns {
				ok, err := doublestar.Match(p, file)
				if err != nil {
					return false, ferrors.WrapError(err, ferrors.CategoryChangeFeed, "file pattern match failed").
						WithContext("pattern", p).
						Build()
				}
				if ok {
					return true, nil
				}
			}
		}
		return false, nil
	}, nil
}
