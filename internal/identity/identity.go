// Package identity decides whether an existing connection still represents
// the session a caller wants to be connected to.
package identity

import "strings"

// pathPrefix is the segment that precedes the session id in a connection path.
const pathPrefix = "/conversation/"

// Identity is the tuple that selects a logical backend session.
// Empty strings mean absent.
type Identity struct {
	PrimaryToken   string
	SecondaryToken string
	SessionID      string
}

// Equal reports whether all three fields match.
func (i Identity) Equal(o Identity) bool {
	return i == o
}

// IsZero reports whether no field is set.
func (i Identity) IsZero() bool {
	return i == Identity{}
}

// Addressed is a connection that knows the path it was opened against.
type Addressed interface {
	Path() string
}

// ShouldReplace reports whether the existing connection must be closed and a
// fresh one opened for next.
//
// A primary token only forces replacement when it changes between two
// non-empty values; initial population of the token reuses the connection.
// Any change of the secondary token forces replacement, including to or from
// absent.
func ShouldReplace(prev, next Identity, existing Addressed) bool {
	if existing == nil {
		return true
	}
	if prev.PrimaryToken != "" && next.PrimaryToken != "" && prev.PrimaryToken != next.PrimaryToken {
		return true
	}
	if prev.SecondaryToken != next.SecondaryToken {
		return true
	}
	return next.SessionID != SessionIDFromPath(existing.Path())
}

// SessionPath returns the connection path for a session id.
func SessionPath(sessionID string) string {
	return pathPrefix + sessionID
}

// SessionIDFromPath extracts the session id from a connection path, or ""
// if the path does not address a session.
func SessionIDFromPath(path string) string {
	_, id, ok := strings.Cut(path, pathPrefix)
	if !ok {
		return ""
	}
	return id
}
