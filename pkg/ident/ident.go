// Package ident generates and encodes node and edge identifiers.
//
// Node IDs are 16 lowercase hex characters. They are either random (manual
// nodes) or derived from the session segment a node was extracted from, so
// re-ingesting the same segment always yields the same ID.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IDLength is the length of a node ID in hex characters (64 bits).
const IDLength = 16

// EdgePrefix namespaces edge IDs so they never collide with node IDs.
const EdgePrefix = "edge-"

// ErrInvalidRef is returned when a node reference cannot be parsed.
var ErrInvalidRef = errors.New("invalid node reference")

// GenerateID returns a cryptographically random 16-hex-character ID.
func GenerateID() string {
	var b [IDLength / 2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("ident: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// DeterministicID derives a node ID from a session segment.
//
// Each input is encoded as "<len>:<value>" before hashing so that
// ("a:b", "c") and ("a", "b:c") produce different digests.
func DeterministicID(sessionFile, segmentStart, segmentEnd string) string {
	var sb strings.Builder
	for _, part := range [...]string{sessionFile, segmentStart, segmentEnd} {
		sb.WriteString(strconv.Itoa(len(part)))
		sb.WriteByte(':')
		sb.WriteString(part)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:IDLength]
}

// NewEdgeID returns a fresh edge identifier.
func NewEdgeID() string {
	return EdgePrefix + uuid.NewString()
}

// IsValidID reports whether id looks like a node ID.
func IsValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NodeRef encodes a node version as "<id>@<version>".
func NodeRef(id string, version int) string {
	return id + "@" + strconv.Itoa(version)
}

// ParseNodeRef decodes a reference produced by NodeRef.
func ParseNodeRef(ref string) (id string, version int, err error) {
	at := strings.LastIndexByte(ref, '@')
	if at <= 0 || at == len(ref)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	version, err = strconv.Atoi(ref[at+1:])
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("%w: bad version in %q", ErrInvalidRef, ref)
	}
	return ref[:at], version, nil
}
