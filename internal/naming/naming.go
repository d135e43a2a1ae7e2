// Package naming allocates DNS-label-safe agent identifiers.
//
// An agent id doubles as a cluster resource name and a URL path segment, so
// it must stay within the RFC 1123 label alphabet and length. Uniqueness
// comes from the random suffix, not from coordination: concurrent Allocate
// calls for the same owner are safe without locking.
package naming

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOwner is returned when an owner id cannot be normalized to a
// non-empty DNS label.
var ErrInvalidOwner = errors.New("owner id yields empty label")

const (
	// maxLabelLen is the RFC 1123 label limit.
	maxLabelLen = 63

	// maxOwnerLen bounds the owner-derived portion so the suffix always fits.
	maxOwnerLen = 20

	suffixLen      = 6
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Allocate derives a fresh agent id from an owner id: "agent-{owner}-{rand}".
func Allocate(ownerID string) (string, error) {
	owner := Normalize(ownerID)
	if owner == "" {
		return "", fmt.Errorf("allocate agent id for %q: %w", ownerID, ErrInvalidOwner)
	}
	if len(owner) > maxOwnerLen {
		owner = strings.Trim(owner[:maxOwnerLen], "-")
	}

	id := fmt.Sprintf("agent-%s-%s", owner, randomSuffix())
	if len(id) > maxLabelLen {
		id = id[:maxLabelLen]
	}
	return id, nil
}

// Normalize maps an arbitrary string onto the lowercase DNS-label alphabet.
// Runs of disallowed characters collapse to a single hyphen; leading and
// trailing hyphens are stripped.
func Normalize(s string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxLabelLen {
		out = strings.Trim(out[:maxLabelLen], "-")
	}
	return out
}

// RoutePath returns the external webhook path for an agent.
func RoutePath(agentID string) string {
	return "/webhook/" + agentID
}

func randomSuffix() string {
	buf := make([]byte, suffixLen)
	rand.Read(buf)
	for i, c := range buf {
		buf[i] = suffixAlphabet[int(c)%len(suffixAlphabet)]
	}
	return string(buf)
}
