package identity

import "testing"

type fakeConn string

func (f fakeConn) Path() string { return string(f) }

func TestShouldReplace(t *testing.T) {
	conn := fakeConn("/conversation/abc123")

	tests := []struct {
		name     string
		prev     Identity
		next     Identity
		existing Addressed
		want     bool
	}{
		{
			name: "no existing connection",
			next: Identity{SessionID: "abc123"},
			want: true,
		},
		{
			name:     "identical inputs reuse",
			prev:     Identity{PrimaryToken: "t1", SecondaryToken: "gh", SessionID: "abc123"},
			next:     Identity{PrimaryToken: "t1", SecondaryToken: "gh", SessionID: "abc123"},
			existing: conn,
			want:     false,
		},
		{
			name:     "primary token rotated",
			prev:     Identity{PrimaryToken: "t1", SessionID: "abc123"},
			next:     Identity{PrimaryToken: "t2", SessionID: "abc123"},
			existing: conn,
			want:     true,
		},
		{
			name:     "primary token absent to present does not force",
			prev:     Identity{SessionID: "abc123"},
			next:     Identity{PrimaryToken: "t1", SessionID: "abc123"},
			existing: conn,
			want:     false,
		},
		{
			name:     "primary token present to absent does not force",
			prev:     Identity{PrimaryToken: "t1", SessionID: "abc123"},
			next:     Identity{SessionID: "abc123"},
			existing: conn,
			want:     false,
		},
		{
			name:     "secondary token added",
			prev:     Identity{SessionID: "abc123"},
			next:     Identity{SecondaryToken: "gh", SessionID: "abc123"},
			existing: conn,
			want:     true,
		},
		{
			name:     "secondary token removed",
			prev:     Identity{SecondaryToken: "gh", SessionID: "abc123"},
			next:     Identity{SessionID: "abc123"},
			existing: conn,
			want:     true,
		},
		{
			name:     "session id differs from connection path",
			prev:     Identity{SessionID: "abc123"},
			next:     Identity{SessionID: "def456"},
			existing: conn,
			want:     true,
		},
		{
			name:     "connection path without session",
			prev:     Identity{SessionID: "abc123"},
			next:     Identity{SessionID: "abc123"},
			existing: fakeConn("/socket.io"),
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldReplace(tt.prev, tt.next, tt.existing); got != tt.want {
				t.Errorf("ShouldReplace() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionPath(t *testing.T) {
	path := SessionPath("abc123")
	if path != "/conversation/abc123" {
		t.Errorf("SessionPath() = %q, want %q", path, "/conversation/abc123")
	}
	if id := SessionIDFromPath(path); id != "abc123" {
		t.Errorf("SessionIDFromPath() = %q, want %q", id, "abc123")
	}
	if id := SessionIDFromPath("/other"); id != "" {
		t.Errorf("SessionIDFromPath(/other) = %q, want empty", id)
	}
}

func TestIdentity_Equal(t *testing.T) {
	a := Identity{PrimaryToken: "t", SecondaryToken: "g", SessionID: "s"}
	if !a.Equal(a) {
		t.Error("Equal() = false for identical identities")
	}
	if a.Equal(Identity{PrimaryToken: "t", SessionID: "s"}) {
		t.Error("Equal() = true for different secondary token")
	}
	if !(Identity{}).IsZero() {
		t.Error("IsZero() = false for zero identity")
	}
}
