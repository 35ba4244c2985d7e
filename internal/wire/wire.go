// Package wire implements the deterministic encoding used on the datagram
// transport (§6) and for content hashing (perfect-link dedup, §4.4.3).
//
// The teacher (pkg/mcast/core/transport.go) encodes its own RPCs with
// encoding/json; no corpus repo carries a generic schemaless codec for
// arbitrary Go values (protobuf and msgpack, where present, are used against
// generated/typed schemas, not against "any" payloads), so the wire codec
// here stays on the standard library, matching the teacher's own choice, and
// is documented as such in DESIGN.md rather than silently assumed.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
)

// Envelope is the pair (channel_name, message_value) that travels over the
// unreliable datagram transport, per §6.
type Envelope struct {
	Channel string
	Payload []byte
}

// Encode gob-encodes an arbitrary channel-specific message value.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes into v, which must be a pointer.
func Decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// EncodeEnvelope serializes the (channel, payload) pair for the wire.
func EncodeEnvelope(channel string, payload []byte) ([]byte, error) {
	return Encode(Envelope{Channel: channel, Payload: payload})
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := Decode(data, &env)
	return env, err
}

// Hash returns a deterministic, byte-equal-for-equal-values digest of v,
// used by perfect links to recognize duplicates (§4.4.3) and by causal
// broadcast to key its "past" map (§4.9).
func Hash(v interface{}) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
