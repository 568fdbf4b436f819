package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/agentrelay/pkg/identity"
)

func mustKeyPair(t *testing.T) identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	return kp
}

func TestCreateProducesVerifiableEnvelope(t *testing.T) {
	kp := mustKeyPair(t)

	e, err := Create("publish", kp.PublicKey, kp.PrivateKey, map[string]interface{}{"text": "hello"}, 0, "")
	require.NoError(t, err)

	assert.Len(t, e.ID, 64)
	assert.NotEmpty(t, e.Signature)

	result := Verify(e)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Reason)
}

func TestIDIsSHA256HexOfCanonicalBytes(t *testing.T) {
	kp := mustKeyPair(t)

	e, err := Create("announce", kp.PublicKey, kp.PrivateKey, "x", 1700000000000, "")
	require.NoError(t, err)

	canonical, err := canonicalBytes(e.Type, e.Sender, e.Timestamp, e.Payload, e.InReplyTo)
	require.NoError(t, err)
	assert.Equal(t, contentAddress(canonical), e.ID)
}

func TestDistinctEnvelopesHaveDistinctIDs(t *testing.T) {
	kp := mustKeyPair(t)

	e1, err := Create("publish", kp.PublicKey, kp.PrivateKey, "a", 1700000000000, "")
	require.NoError(t, err)
	e2, err := Create("publish", kp.PublicKey, kp.PrivateKey, "b", 1700000000000, "")
	require.NoError(t, err)

	assert.NotEqual(t, e1.ID, e2.ID)
}

func TestVerifyDetectsFieldTampering(t *testing.T) {
	kp := mustKeyPair(t)

	e, err := Create("publish", kp.PublicKey, kp.PrivateKey, map[string]interface{}{"text": "hello"}, 0, "")
	require.NoError(t, err)

	tampered := e
	tampered.Payload = map[string]interface{}{"text": "goodbye"}
	result := Verify(tampered)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonIDMismatch, result.Reason)
}

func TestVerifyDetectsSignatureTamperingWithMatchingID(t *testing.T) {
	kp := mustKeyPair(t)

	e, err := Create("publish", kp.PublicKey, kp.PrivateKey, map[string]interface{}{"text": "hello"}, 0, "")
	require.NoError(t, err)

	tampered := e
	tampered.Signature = "00"
	result := Verify(tampered)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonSignatureInvalid, result.Reason)
}

func TestVerifyDetectsSenderSpoof(t *testing.T) {
	// A spoofed sender changes the canonical bytes, so the ID recomputed at
	// verification time will not match the (unchanged) envelope ID unless
	// the attacker also recomputes it — and if they do, the signature check
	// then fails since they don't hold the claimed sender's private key.
	victim := mustKeyPair(t)
	attacker := mustKeyPair(t)

	e, err := Create("publish", victim.PublicKey, victim.PrivateKey, "hi", 0, "")
	require.NoError(t, err)

	spoofed := e
	spoofed.Sender = attacker.PublicKey
	result := Verify(spoofed)
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonIDMismatch, result.Reason)
}

func TestCanonicalJSONSortsKeysAtEveryLevel(t *testing.T) {
	payload := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": 1, "y": 2},
	}
	out, err := canonicalJSON(payload)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, string(out))
}

func TestInReplyToOmittedWhenAbsent(t *testing.T) {
	withReply, err := canonicalBytes("publish", "pk", 1, "x", "prev-id")
	require.NoError(t, err)
	withoutReply, err := canonicalBytes("publish", "pk", 1, "x", "")
	require.NoError(t, err)

	assert.Contains(t, string(withReply), "prev-id")
	assert.NotContains(t, string(withoutReply), "\x00prev-id")
	assert.NotEqual(t, withReply, withoutReply)
}
