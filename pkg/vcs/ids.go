package vcs

import (
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// Sentinel failures from ResolveIDPrefix, so callers can map "no such
// change" and "prefix matches several changes" to different error kinds.
var (
	ErrIDNotFound  = errors.New("no change matches")
	ErrIDAmbiguous = errors.New("prefix is ambiguous")
	ErrIDTooShort  = errors.New("prefix too short")
)

// MinIDPrefixLen is the shortest change-id prefix accepted anywhere a full
// id is accepted.
const MinIDPrefixLen = 8

// NewChangeID derives a change's id deterministically from its seed
// material (author, timestamp, and a caller-supplied nonce such as a
// counter or random value) by hashing with Blake3 and hex-encoding the
// digest. Unlike
// content-addressed blobs, a change id has no canonical payload to hash;
// callers are responsible for feeding in enough unique material that two
// distinct changes never collide.
func NewChangeID(seed []byte) string {
	sum := blake3.Sum256(seed)
	return hex.EncodeToString(sum[:])
}

// ResolveIDPrefix finds the unique id in ids that has prefix as a prefix.
// It is used for both change ids (merged + workspace) and is factored out
// here since the ambiguity rule ("any prefix of length >= 8 that is
// unique") applies identically everywhere a short id is accepted.
func ResolveIDPrefix(ids []string, prefix string) (string, error) {
	if len(prefix) >= 64 {
		// A full-length id: only an exact match counts, no scan needed.
		for _, id := range ids {
			if id == prefix {
				return id, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrIDNotFound, prefix)
	}
	if len(prefix) < MinIDPrefixLen {
		return "", fmt.Errorf("%w: must be at least %d characters", ErrIDTooShort, MinIDPrefixLen)
	}

	var matches []string
	for _, id := range ids {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrIDNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d changes", ErrIDAmbiguous, prefix, len(matches))
	}
}
