package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainModel    = "hybridsim/model/v1"
	DomainTrace    = "hybridsim/trace/v1"
	DomainSnapshot = "hybridsim/snapshot/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the domain-separated hash of v's canonical encoding.
func Hash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// ModelHash identifies a model. Two loads of the same files hash equal;
// any change to a declaration, formula or initial value changes the hash.
func ModelHash(m *Model) (string, error) {
	return Hash(DomainModel, m)
}

// TraceHash identifies a recorded trace. events is any JSON-encodable
// sequence, usually the events of an engine recorder.
func TraceHash(events any) (string, error) {
	return Hash(DomainTrace, events)
}

// SnapshotHash identifies the content of a world snapshot.
func SnapshotHash(snapshot any) (string, error) {
	return Hash(DomainSnapshot, snapshot)
}

// MustModelHash is like ModelHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustModelHash(m *Model) string {
	h, err := ModelHash(m)
	if err != nil {
		panic(err)
	}
	return h
}
