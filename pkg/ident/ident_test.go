package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomHex_FormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := RandomHex()
		assert.Len(t, id, 32)
		assert.False(t, seen[id], "ids must not repeat")
		seen[id] = true
	}
}

func TestMessageID_Prefix(t *testing.T) {
	id := MessageID("queue")
	assert.True(t, strings.HasPrefix(id, "queue:"))
	assert.Len(t, id, len("queue:")+32)
}

func TestStableHash_IgnoresMapOrdering(t *testing.T) {
	a := map[string]any{"symbol": "AAPL", "sentiment": 0.5, "sources": []string{"x"}}
	b := map[string]any{"sources": []string{"x"}, "sentiment": 0.5, "symbol": "AAPL"}

	assert.Equal(t, StableHash(a), StableHash(b))
	assert.Len(t, StableHash(a), 16)
}

func TestStableHash_DistinguishesContent(t *testing.T) {
	a := map[string]any{"symbol": "AAPL"}
	b := map[string]any{"symbol": "TSLA"}
	assert.NotEqual(t, StableHash(a), StableHash(b))
}

func TestStableHash_NestedStructures(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"outer": map[string]any{"y": 2, "x": 1}}
	assert.Equal(t, StableHash(a), StableHash(b))
}

func TestHMACSHA256Hex_KnownVector(t *testing.T) {
	// RFC 4231 test case 2
	signature := HMACSHA256Hex("Jefe", "what do ya want for nothing?")
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", signature)
}

func TestSHA256Hex_KnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(""))
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("abc", "abc"))
	assert.False(t, ConstantTimeEquals("abc", "abd"))
	assert.False(t, ConstantTimeEquals("abc", "abcd"))
}
