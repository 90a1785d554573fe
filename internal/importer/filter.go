package importer

import (
	"strings"
	"unicode/utf8"
)

// TagFilter selects items by tag before any download happens. Matching is
// case-insensitive and loose rather than exact: a filter term matches a tag
// when it appears as a substring of the tag or of the tag's token initials,
// so "ml" matches "ML" and "Machine-Learning-2024" alike.
type TagFilter struct {
	include []string
	exclude []string
}

// NewTagFilter builds a filter from include (match-any) and exclude
// (match-any-excludes) tag sets. Empty include means everything qualifies.
func NewTagFilter(include, exclude []string) *TagFilter {
	return &TagFilter{
		include: lowerAll(include),
		exclude: lowerAll(exclude),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

// Matches reports whether an item with the given tags passes the filter.
// Exclusion wins over inclusion.
func (f *TagFilter) Matches(tags []string) bool {
	for _, pattern := range f.exclude {
		if anyTagContains(tags, pattern) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if anyTagContains(tags, pattern) {
			return true
		}
	}
	return false
}

func anyTagContains(tags []string, pattern string) bool {
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		if strings.Contains(lower, pattern) || strings.Contains(initials(lower), pattern) {
			return true
		}
	}
	return false
}

// initials collapses a tag to its token initials, so acronym-style filters
// keep working against spelled-out tags ("Machine-Learning-2024" -> "ml2")
func initials(tag string) string {
	var b strings.Builder
	for _, token := range strings.FieldsFunc(tag, func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == '.'
	}) {
		r, _ := utf8.DecodeRuneInString(token)
		b.WriteRune(r)
	}
	return b.String()
}
