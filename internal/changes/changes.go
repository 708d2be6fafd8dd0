// Package changes models source changes flowing into the schedulers, along
// with the filters and importance predicates that classify them.
package changes

import (
	"regexp"
	"time"

	ferrors "git.home.luguber.info/inful/buildsched/internal/foundation/errors"
)

// Change is one source change as reported by a change source.
type Change struct {
	ID         int64     `json:"id"`
	Codebase   string    `json:"codebase"`
	Repository string    `json:"repository"`
	Project    string    `json:"project"`
	Branch     string    `json:"branch"`
	Revision   string    `json:"revision"`
	Author     string    `json:"author"`
	Comments   string    `json:"comments"`
	Category   string    `json:"category"`
	Files      []string  `json:"files"`
	When       time.Time `json:"when"`
}

// Filter selects the changes a scheduler cares about. The zero value matches
// everything; each configured criterion narrows the match.
type Filter struct {
	branch     *string
	codebases  map[string]struct{}
	repository string
	project    string
	categoryRe *regexp.Regexp
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// WithBranch restricts the filter to changes on exactly the given branch.
func WithBranch(branch string) FilterOption {
	return func(f *Filter) { f.branch = &branch }
}

// WithCodebases restricts the filter to the named codebases.
func WithCodebases(names ...string) FilterOption {
	return func(f *Filter) {
		f.codebases = make(map[string]struct{}, len(names))
		for _, n := range names {
			f.codebases[n] = struct{}{}
		}
	}
}

// WithRepository restricts the filter to one repository.
func WithRepository(repo string) FilterOption {
	return func(f *Filter) { f.repository = repo }
}

// WithProject restricts the filter to one project.
func WithProject(project string) FilterOption {
	return func(f *Filter) { f.project = project }
}

// WithCategoryPattern restricts the filter to changes whose category matches
// the given regular expression.
func WithCategoryPattern(pattern string) (FilterOption, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, ferrors.ConfigError("invalid change category pattern").
			WithCause(err).
			WithContext("pattern", pattern).
			Build()
	}
	return func(f *Filter) { f.categoryRe = re }, nil
}

// NewFilter builds a Filter from options.
func NewFilter(opts ...FilterOption) *Filter {
	f := &Filter{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Match reports whether the change passes every configured criterion.
func (f *Filter) Match(ch Change) bool {
	if f == nil {
		return true
	}
	if f.branch != nil && ch.Branch != *f.branch {
		return false
	}
	if f.codebases != nil {
		if _, ok := f.codebases[ch.Codebase]; !ok {
			return false
		}
	}
	if f.repository != "" && ch.Repository != f.repository {
		return false
	}
	if f.project != "" && ch.Project != f.project {
		return false
	}
	if f.categoryRe != nil && !f.categoryRe.MatchString(ch.Category) {
		return false
	}
	return true
}
