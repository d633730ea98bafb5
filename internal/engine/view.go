package engine

// HiddenPoints replaces other participants' estimates until the reveal.
const HiddenPoints = "-1"

// Revealed reports whether every non-spectator still in the session has
// submitted points. Kicked users do not count.
func Revealed(s SessionState) bool {
	for _, u := range s.Users {
		if u.Kicked || u.IsSpectator {
			continue
		}
		if u.Points == nil {
			return false
		}
	}
	return true
}

// Project builds the state viewerID is allowed to see. It fails with
// ErrUnknownUserId or ErrUserKicked when the viewer must be disconnected.
func Project(s SessionState, viewerID string) (SessionState, error) {
	viewer, ok := s.Users[viewerID]
	if !ok {
		return SessionState{}, ErrUnknownUserId
	}
	if viewer.Kicked {
		return SessionState{}, ErrUserKicked
	}

	masked := !Revealed(s)
	hidden := HiddenPoints

	out := SessionState{Users: make(map[string]UserState, len(s.Users))}
	if s.Admin != nil {
		admin := *s.Admin
		out.Admin = &admin
	}
	for id, u := range s.Users {
		if u.Kicked {
			continue
		}
		if masked && id != viewerID && u.Points != nil {
			u.Points = &hidden
		}
		out.Users[id] = u
	}
	return out, nil
}
