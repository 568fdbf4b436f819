package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/agentrelay/pkg/envelope"
)

func env(text string) envelope.Envelope {
	return envelope.Envelope{Payload: map[string]interface{}{"text": text}}
}

func TestAppendRejectsKeyOutsideAllowlist(t *testing.T) {
	b := New([]string{"pkS"}, 10)
	assert.False(t, b.Append("pkOther", env("x")))
	assert.False(t, b.IsStoredFor("pkOther"))
}

func TestDrainReturnsInsertionOrderAndEmptiesQueue(t *testing.T) {
	b := New([]string{"pkS"}, 10)
	require.True(t, b.Append("pkS", env("one")))
	require.True(t, b.Append("pkS", env("two")))
	require.True(t, b.Append("pkS", env("three")))

	drained := b.Drain("pkS")
	require.Len(t, drained, 3)
	assert.Equal(t, "one", drained[0].Payload.(map[string]interface{})["text"])
	assert.Equal(t, "two", drained[1].Payload.(map[string]interface{})["text"])
	assert.Equal(t, "three", drained[2].Payload.(map[string]interface{})["text"])

	assert.Equal(t, 0, b.Depth("pkS"))
	assert.Empty(t, b.Drain("pkS"))
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New([]string{"pkS"}, 2)
	b.Append("pkS", env("one"))
	b.Append("pkS", env("two"))
	b.Append("pkS", env("three"))

	drained := b.Drain("pkS")
	require.Len(t, drained, 2)
	assert.Equal(t, "two", drained[0].Payload.(map[string]interface{})["text"])
	assert.Equal(t, "three", drained[1].Payload.(map[string]interface{})["text"])
}

func TestStoredForKeysListsConfiguredAllowlist(t *testing.T) {
	b := New([]string{"pkA", "pkB"}, 10)
	keys := b.StoredForKeys()
	assert.ElementsMatch(t, []string{"pkA", "pkB"}, keys)
}
