// Package entityid generates short, prefixed identifiers for business entities
// (e.g. contract "C7X9K2M1").
package entityid

import "crypto/rand"

const (
	// Length of every entity id, prefix included.
	Length  = 8
	charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Domain prefixes.
const (
	PrefixContract    byte = 'C'
	PrefixAnalysis    byte = 'A'
	PrefixOcrResult   byte = 'O'
	PrefixToxicClause byte = 'T'
	PrefixUser        byte = 'U'
)

// Generator produces entity ids. Uniqueness is not guaranteed; callers that
// need it must enforce it against their storage.
type Generator interface {
	NewEntityID(prefix byte) string
}

// Random draws ids from crypto/rand.
type Random struct{}

func (Random) NewEntityID(prefix byte) string {
	buf := make([]byte, Length)
	buf[0] = upper(prefix)
	var scratch [16]byte
	for i := 1; i < Length; {
		// rand.Read never returns an error since go1.24.
		_, _ = rand.Read(scratch[:])
		for _, b := range scratch {
			// 252 is the largest multiple of 36 below 256; rejecting the tail keeps the draw uniform.
			if b >= 252 {
				continue
			}
			buf[i] = charset[int(b)%len(charset)]
			i++
			if i == Length {
				break
			}
		}
	}
	return string(buf)
}

// IsValid reports whether id has the entity id shape and starts with prefix.
func IsValid(id string, prefix byte) bool {
	if len(id) != Length || id[0] != upper(prefix) {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
