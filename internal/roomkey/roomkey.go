// Package roomkey derives the canonical room identifier for a pair of
// participants.
//
// A room id is the two identities sorted bytewise, each prefixed with its
// decimal byte length: derive("bob", "alice") == "5:alice3:bob". The length
// prefix keeps pairs such as ("a_b", "c") and ("a", "b_c") apart no matter
// which characters an identity contains.
package roomkey

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidRoomKey is returned for empty or identical identities and for
// room ids that do not parse.
var ErrInvalidRoomKey = errors.New("invalid room key")

// Derive returns the room id shared by identities a and b.
func Derive(a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", ErrInvalidRoomKey
	}
	if b < a {
		a, b = b, a
	}

	var sb strings.Builder
	sb.Grow(len(a) + len(b) + 8)
	writeComponent(&sb, a)
	writeComponent(&sb, b)
	return sb.String(), nil
}

func writeComponent(sb *strings.Builder, s string) {
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteByte(':')
	sb.WriteString(s)
}

// Parse returns the two identities encoded in roomID, in canonical order.
// Only ids produced by Derive parse successfully.
func Parse(roomID string) (string, string, error) {
	a, rest, err := readComponent(roomID)
	if err != nil {
		return "", "", err
	}
	b, rest, err := readComponent(rest)
	if err != nil {
		return "", "", err
	}
	if rest != "" || a == "" || b == "" || a >= b {
		return "", "", ErrInvalidRoomKey
	}
	return a, b, nil
}

func readComponent(s string) (string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", ErrInvalidRoomKey
	}
	digits := s[:colon]
	// Reject signs and leading zeros so every pair has exactly one encoding.
	if digits[0] < '1' || digits[0] > '9' {
		return "", "", ErrInvalidRoomKey
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n > len(s)-colon-1 {
		return "", "", ErrInvalidRoomKey
	}
	start := colon + 1
	return s[start : start+n], s[start+n:], nil
}

// Includes reports whether identity is one of the two participants of roomID.
func Includes(roomID, identity string) bool {
	a, b, err := Parse(roomID)
	if err != nil {
		return false
	}
	return identity == a || identity == b
}

// Peer returns the participant of roomID other than identity.
func Peer(roomID, identity string) (string, error) {
	a, b, err := Parse(roomID)
	if err != nil {
		return "", err
	}
	switch identity {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", ErrInvalidRoomKey
}
