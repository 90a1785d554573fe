package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagFilterCaseInsensitive(t *testing.T) {
	f := NewTagFilter([]string{"ML"}, nil)
	assert.True(t, f.Matches([]string{"ml"}))
	assert.True(t, f.Matches([]string{"Ml-Papers"}))
	assert.False(t, f.Matches([]string{"History"}))
}

func TestTagFilterSubstring(t *testing.T) {
	f := NewTagFilter([]string{"learn"}, nil)
	assert.True(t, f.Matches([]string{"Deep-Learning"}))
	assert.False(t, f.Matches([]string{"Statistics"}))
}

func TestTagFilterAcronym(t *testing.T) {
	f := NewTagFilter([]string{"ml"}, nil)
	assert.True(t, f.Matches([]string{"Machine-Learning-2024"}),
		"token initials of the tag should match an acronym filter")
	assert.True(t, f.Matches([]string{"machine learning"}))
}

func TestTagFilterAcronymMultibyteInitials(t *testing.T) {
	f := NewTagFilter([]string{"ös"}, nil)
	assert.True(t, f.Matches([]string{"Ökologie-Studie"}),
		"initials must be built from runes, not leading bytes")
	assert.False(t, f.Matches([]string{"Statistik"}))
}

func TestTagFilterEmptyIncludeMatchesAll(t *testing.T) {
	f := NewTagFilter(nil, nil)
	assert.True(t, f.Matches(nil))
	assert.True(t, f.Matches([]string{"anything"}))
}

func TestTagFilterExcludeWins(t *testing.T) {
	f := NewTagFilter([]string{"ml"}, []string{"draft"})
	assert.True(t, f.Matches([]string{"ML"}))
	assert.False(t, f.Matches([]string{"ML", "Draft"}))
	assert.False(t, f.Matches([]string{"ML", "draft-v2"}))
}

func TestTagFilterBlankTermsIgnored(t *testing.T) {
	f := NewTagFilter([]string{"  ", ""}, nil)
	assert.True(t, f.Matches([]string{"anything"}), "blank filter terms must not restrict matching")
}
