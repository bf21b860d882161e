package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagValid(t *testing.T) {
	tests := []struct {
		tag  string
		want bool
	}{
		{"message_broker", true},
		{"async", true},
		{"systems", true},
		{"web3", true},
		{"a", true},
		{"machine_learning_101", true},
		{"", false},
		{"Message_Broker", false},
		{"_leading", false},
		{"trailing_", false},
		{"double__underscore", false},
		{"has space", false},
		{"1starts_with_digit", false},
		{"kebab-case", false},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			assert.Equal(t, tt.want, Tag(tt.tag).Valid())
		})
	}
}

func TestNormalizeTags(t *testing.T) {
	valid, dropped := NormalizeTags([]string{
		"Message_Broker", // lowercased, then valid
		"async",
		" systems ", // trimmed
		"not valid!",
		"async", // duplicate collapsed
		"-bad-",
	})

	assert.Equal(t, []Tag{"message_broker", "async", "systems"}, valid)
	assert.Equal(t, []string{"not valid!", "-bad-"}, dropped)
}

func TestNormalizeTagsAllDropped(t *testing.T) {
	valid, dropped := NormalizeTags([]string{"!!", "??"})
	assert.Empty(t, valid)
	assert.Len(t, dropped, 2)
}

func TestTagStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, TagStrings([]Tag{"a", "b"}))
	assert.Empty(t, TagStrings(nil))
}
