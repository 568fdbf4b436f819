// Package envelope implements the relay's atomic wire unit: canonical
// serialization, content-addressed IDs, and Ed25519 signing/verification.
// The canonicalization rules here are load-bearing and frozen — never
// change the delimiter or field order without also breaking every
// existing signature.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sage-x-project/agentrelay/pkg/identity"
)

// Envelope is the signed, content-addressed message unit exchanged between
// agents through the relay.
type Envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Sender    string      `json:"sender"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
	InReplyTo string      `json:"inReplyTo,omitempty"`
	Signature string      `json:"signature"`
}

// VerifyResult is the outcome of Verify: Valid is true iff both the content
// address and the signature check out.
type VerifyResult struct {
	Valid  bool
	Reason string
}

const (
	ReasonIDMismatch        = "id_mismatch"
	ReasonSignatureInvalid  = "signature_invalid"
	ReasonMalformedEnvelope = "malformed_envelope"
)

// Create produces a fully signed envelope. timestamp, if zero, defaults to
// the current wall-clock time in milliseconds.
func Create(typ, senderPub, senderPriv string, payload interface{}, timestamp int64, inReplyTo string) (Envelope, error) {
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	canonical, err := canonicalBytes(typ, senderPub, timestamp, payload, inReplyTo)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: canonicalize: %w", err)
	}

	sig, err := identity.Sign(canonical, senderPriv)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: sign: %w", err)
	}

	id := contentAddress(canonical)

	return Envelope{
		ID:        id,
		Type:      typ,
		Sender:    senderPub,
		Timestamp: timestamp,
		Payload:   payload,
		InReplyTo: inReplyTo,
		Signature: sig,
	}, nil
}

// Verify recomputes the canonical bytes from e's fields and checks both the
// content address and the signature. Any structural error (e.g. a payload
// that cannot be canonicalized) is reported as malformed rather than raising
// an error, since verification is meant to be total over untrusted input.
func Verify(e Envelope) VerifyResult {
	canonical, err := canonicalBytes(e.Type, e.Sender, e.Timestamp, e.Payload, e.InReplyTo)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonMalformedEnvelope}
	}

	if contentAddress(canonical) != e.ID {
		return VerifyResult{Valid: false, Reason: ReasonIDMismatch}
	}

	if !identity.Verify(canonical, e.Signature, e.Sender) {
		return VerifyResult{Valid: false, Reason: ReasonSignatureInvalid}
	}

	return VerifyResult{Valid: true}
}

func contentAddress(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalBytes builds the exact delimited byte string that is signed and
// hashed: "type \0 sender \0 timestamp \0 payload_json [\0 inReplyTo]". The
// inReplyTo segment, including its leading delimiter, is omitted entirely
// when inReplyTo is empty.
func canonicalBytes(typ, sender string, timestamp int64, payload interface{}, inReplyTo string) ([]byte, error) {
	payloadJSON, err := canonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(typ)
	buf.WriteByte(0)
	buf.WriteString(sender)
	buf.WriteByte(0)
	fmt.Fprintf(&buf, "%d", timestamp)
	buf.WriteByte(0)
	buf.Write(payloadJSON)
	if inReplyTo != "" {
		buf.WriteByte(0)
		buf.WriteString(inReplyTo)
	}
	return buf.Bytes(), nil
}

// canonicalJSON serializes v with object keys sorted lexicographically at
// every nesting level, so sender and verifier always agree on the bytes
// regardless of map iteration order or field declaration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal payload for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
