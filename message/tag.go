package message

import (
	"regexp"
	"strings"
)

// Tag is a lowercase snake_case label produced by the enrichment client and
// deduplicated by name in the graph store.
type Tag string

// tagPattern is the canonical tag format: lowercase snake_case, starting with
// a letter, e.g. "machine_learning".
var tagPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(?:_[a-z0-9]+)*$`)

// Valid reports whether the tag satisfies the snake_case format invariant
func (t Tag) Valid() bool {
	return tagPattern.MatchString(string(t))
}

// String returns the tag as a plain string
func (t Tag) String() string { return string(t) }

// NormalizeTags lowercases and trims candidate tag strings, keeps the ones
// that satisfy the Tag format, and returns the rest as dropped. Duplicates
// are collapsed, preserving first-seen order.
func NormalizeTags(candidates []string) (valid []Tag, dropped []string) {
	seen := make(map[Tag]struct{}, len(candidates))
	for _, c := range candidates {
		t := Tag(strings.ToLower(strings.TrimSpace(c)))
		if !t.Valid() {
			dropped = append(dropped, c)
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		valid = append(valid, t)
	}
	return valid, dropped
}

// TagStrings converts tags to plain strings for driver parameters
func TagStrings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}
