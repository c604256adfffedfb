// Package jsoncodec is the JSON codec used for envelopes, results and
// chronicle records, plus the canonical form records and replay keys hash.
package jsoncodec

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/bytedance/sonic"
	"github.com/gowebpki/jcs"
)

// defaultConfig matches encoding/json: sorted map keys, HTML escaping and
// float64 numbers when decoding into interfaces.
var defaultConfig = sonic.ConfigStd

// Marshal encodes v with sonic.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Canonical returns the RFC 8785 form of v: sorted keys, no insignificant
// whitespace, normalized numbers.
func Canonical(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Digest is the lowercase hex SHA-256 of the canonical form of v.
func Digest(v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
