// Package codec implements the length-prefixed, versioned envelope scheme
// that every column family's values use (spec.md §6: "All values are
// length-prefixed versioned envelopes so their schema can evolve without
// CF renames"). Tree-node payloads are RLP-encoded, following the
// teacher's go-ethereum dependency and its trie/rlp conventions; simple
// metadata records use JSON, matching the teacher's pkg/ledger/store.go
// style.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Envelope wraps an encoded value with a one-byte schema version so a
// future migration can add fields without renaming the column family.
type Envelope struct {
	Version byte
	Body    []byte
}

// Encode serialises e as: version (1 byte) ∥ big-endian length (4 bytes) ∥ body.
func (e Envelope) Encode() []byte {
	out := make([]byte, 0, 5+len(e.Body))
	out = append(out, e.Version)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Body)))
	out = append(out, lenBuf[:]...)
	out = append(out, e.Body...)
	return out
}

// DecodeEnvelope parses the wire form produced by Encode.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < 5 {
		return Envelope{}, fmt.Errorf("envelope too short: %d bytes", len(b))
	}
	n := binary.BigEndian.Uint32(b[1:5])
	if uint32(len(b)-5) != n {
		return Envelope{}, fmt.Errorf("envelope length mismatch: header says %d, have %d", n, len(b)-5)
	}
	body := make([]byte, n)
	copy(body, b[5:])
	return Envelope{Version: b[0], Body: body}, nil
}

// CurrentJSONVersion is the schema version written for JSON-bodied
// envelopes by this build.
const CurrentJSONVersion byte = 1

// EncodeJSON wraps a JSON-marshaled value in the current envelope version.
func EncodeJSON(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope body: %w", err)
	}
	return Envelope{Version: CurrentJSONVersion, Body: body}.Encode(), nil
}

// DecodeJSON unwraps an envelope produced by EncodeJSON into v.
func DecodeJSON(b []byte, v any) error {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return err
	}
	if env.Version != CurrentJSONVersion {
		return fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if err := json.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("unmarshal envelope body: %w", err)
	}
	return nil
}

// CurrentRLPVersion is the schema version written for RLP-bodied
// envelopes (tree nodes) by this build.
const CurrentRLPVersion byte = 1

// EncodeRLP wraps an RLP-encoded value in the current envelope version.
// Used for the state-hash-tree node payloads, where compact binary
// encoding matters because nodes are the highest-volume CF in the store.
func EncodeRLP(v any) ([]byte, error) {
	body, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("rlp-encode envelope body: %w", err)
	}
	return Envelope{Version: CurrentRLPVersion, Body: body}.Encode(), nil
}

// DecodeRLP unwraps an envelope produced by EncodeRLP into v.
func DecodeRLP(b []byte, v any) error {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return err
	}
	if env.Version != CurrentRLPVersion {
		return fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if err := rlp.DecodeBytes(env.Body, v); err != nil {
		return fmt.Errorf("rlp-decode envelope body: %w", err)
	}
	return nil
}
