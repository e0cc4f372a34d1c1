package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainValue    = "recoll/value/v1"
	DomainInstance = "recoll/instance/v1"
	DomainCommit   = "recoll/commit/v1"
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

// Fingerprint computes a stable content hash of a value.
func Fingerprint(v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: %w", err)
	}
	return hashWithDomain(DomainValue, canonical), nil
}

// InstanceKey identifies a resource instantiation by resource name and
// parameters. Two instantiations with equal keys build identical graphs.
func InstanceKey(resource string, params Value) (string, error) {
	obj := Object{
		"resource": String(resource),
		"params":   params,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("InstanceKey: %w", err)
	}
	return hashWithDomain(DomainInstance, canonical), nil
}

// CommitID computes the content-addressed id of a journal commit from its
// version and the canonical form of its writes.
func CommitID(version uint64, writes []byte) string {
	data := make([]byte, 0, len(writes)+20)
	data = fmt.Appendf(data, "%d:", version)
	data = append(data, writes...)
	return hashWithDomain(DomainCommit, data)
}
