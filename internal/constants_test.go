package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionKey(t *testing.T) {
	tests := []struct {
		userID    string
		deviceTag string
		expected  string
	}{
		{"user123", "ios-1", "user123:ios-1"},
		{"", "", ":"},
		{"coach", "", "coach:"},
		{"", "web", ":web"},
		{"a", "b", "a:b"},
	}

	for _, tc := range tests {
		result := SessionKey(tc.userID, tc.deviceTag)
		assert.Equal(t, tc.expected, result,
			"SessionKey(%q, %q)", tc.userID, tc.deviceTag)
	}
}

func TestSessionKey_DifferentInputsDifferentOutputs(t *testing.T) {
	key1 := SessionKey("user1", "web")
	key2 := SessionKey("user2", "web")
	key3 := SessionKey("user1", "ios")

	assert.NotEqual(t, key1, key2)
	assert.NotEqual(t, key1, key3)
	assert.NotEqual(t, key2, key3)
}
