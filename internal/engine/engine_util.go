package engine

import (
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	MaxNameLength   = 32
	MaxPointsLength = 8
)

func NewEmptyState() SessionState {
	return SessionState{Users: map[string]UserState{}}
}

// Clone copies the users map. Strings behind the pointers are never written
// through, so sharing them is fine.
func (s SessionState) Clone() SessionState {
	users := make(map[string]UserState, len(s.Users))
	for id, u := range s.Users {
		users[id] = u
	}
	out := SessionState{Users: users}
	if s.Admin != nil {
		admin := *s.Admin
		out.Admin = &admin
	}
	return out
}

func (s SessionState) IsAdmin(id string) bool {
	return s.Admin != nil && *s.Admin == id
}

// NormalizeName NFC-normalizes a display name so that the same name typed on
// two keyboards compares equal during takeover. Whitespace is kept as sent.
func NormalizeName(name string) (string, error) {
	n := norm.NFC.String(name)
	if utf8.RuneCountInString(n) > MaxNameLength {
		return "", ErrInvalidMessage
	}
	return n, nil
}

func ValidatePoints(points string) (string, error) {
	if utf8.RuneCountInString(points) > MaxPointsLength {
		return "", ErrInvalidMessage
	}
	return points, nil
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
