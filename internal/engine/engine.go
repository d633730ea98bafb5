package engine

type UserState struct {
	Name        *string `json:"name"`
	Points      *string `json:"points"`
	IsSpectator bool    `json:"isSpectator"`
	IsInactive  bool    `json:"isInactive"`
	Kicked      bool    `json:"-"`
}

type SessionState struct {
	Users map[string]UserState `json:"users"`
	Admin *string              `json:"admin"`
}

type CommandType string

const (
	CmdNameChange     CommandType = "NameChange"
	CmdSetPoints      CommandType = "SetPoints"
	CmdResetPoints    CommandType = "ResetPoints"
	CmdWhoami         CommandType = "Whoami"
	CmdClaimSession   CommandType = "ClaimSession"
	CmdKickUser       CommandType = "KickUser"
	CmdSetSpectator   CommandType = "SetSpectator"
	CmdHoldConnection CommandType = "HoldConnection"
)

/*
	CmdNameChange   -> EvtNameChanged | EvtUserTakenOver
	CmdSetPoints    -> EvtPointsSet
	CmdResetPoints  -> EvtPointsReset
	CmdClaimSession -> EvtSessionClaimed
	CmdKickUser     -> EvtUserKicked (+ EvtUserLeft when the target was on hold)
	CmdSetSpectator -> EvtSpectatorSet

	Whoami and HoldConnection never reach Apply: they only concern the
	connection that sent them.
*/

type Command struct {
	Type      CommandType
	Name      string
	Points    string
	UserID    string
	Spectator bool
}

type EventType string

const (
	EvtUserJoined     EventType = "UserJoined"
	EvtUserLeft       EventType = "UserLeft"
	EvtUserOnHold     EventType = "UserOnHold"
	EvtNameChanged    EventType = "NameChanged"
	EvtUserTakenOver  EventType = "UserTakenOver"
	EvtPointsSet      EventType = "PointsSet"
	EvtPointsReset    EventType = "PointsReset"
	EvtSessionClaimed EventType = "SessionClaimed"
	EvtAdminCleared   EventType = "AdminCleared"
	EvtUserKicked     EventType = "UserKicked"
	EvtSpectatorSet   EventType = "SpectatorSet"
)

// Event describes one effect of a transition. UserID is the participant the
// event is about; Target is the other participant involved, if any.
type Event struct {
	Type   EventType
	UserID string
	Target string
}

// Apply validates cmd on behalf of issuer and returns the resulting state.
// The input state is never modified; on error the returned state is s.
func Apply(s SessionState, issuer string, cmd Command) ([]Event, SessionState, error) {
	user, ok := s.Users[issuer]
	if !ok {
		return nil, s, ErrUnknownUserId
	}

	newState := s.Clone()

	switch cmd.Type {
	case CmdNameChange:
		name, err := NormalizeName(cmd.Name)
		if err != nil {
			return nil, s, err
		}
		return changeName(newState, s, issuer, name)

	case CmdSetPoints:
		points, err := ValidatePoints(cmd.Points)
		if err != nil {
			return nil, s, err
		}
		if user.IsSpectator {
			return nil, s, ErrInvalidMessage
		}
		user.Points = &points
		newState.Users[issuer] = user
		return []Event{{Type: EvtPointsSet, UserID: issuer}}, newState, nil

	case CmdResetPoints:
		if !s.IsAdmin(issuer) {
			return nil, s, ErrInsufficientPermissions
		}
		for id, u := range newState.Users {
			u.Points = nil
			newState.Users[id] = u
		}
		return []Event{{Type: EvtPointsReset, UserID: issuer}}, newState, nil

	case CmdClaimSession:
		if s.Admin != nil {
			return nil, s, ErrInsufficientPermissions
		}
		admin := issuer
		newState.Admin = &admin
		return []Event{{Type: EvtSessionClaimed, UserID: issuer}}, newState, nil

	case CmdKickUser:
		if !s.IsAdmin(issuer) {
			return nil, s, ErrInsufficientPermissions
		}
		target, ok := newState.Users[cmd.UserID]
		if !ok {
			return nil, s, ErrUnknownUserId
		}

		events := []Event{{Type: EvtUserKicked, UserID: cmd.UserID, Target: issuer}}
		if target.IsInactive {
			// Nobody is connected to tear down, drop the entry right away.
			delete(newState.Users, cmd.UserID)
			events = append(events, Event{Type: EvtUserLeft, UserID: cmd.UserID})
		} else {
			target.Kicked = true
			newState.Users[cmd.UserID] = target
		}
		if newState.IsAdmin(cmd.UserID) {
			newState.Admin = nil
			events = append(events, Event{Type: EvtAdminCleared, UserID: cmd.UserID})
		}
		return events, newState, nil

	case CmdSetSpectator:
		user.IsSpectator = cmd.Spectator
		user.Points = nil
		newState.Users[issuer] = user
		return []Event{{Type: EvtSpectatorSet, UserID: issuer}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// changeName applies the reconnection takeover rule: an inactive user holding
// name hands its whole state over to issuer, unless an active user holds it.
func changeName(newState, s SessionState, issuer, name string) ([]Event, SessionState, error) {
	var staleID string
	var stale *UserState
	for id, u := range newState.Users {
		if u.IsInactive && u.Name != nil && *u.Name == name {
			taken := u
			staleID, stale = id, &taken
			delete(newState.Users, id)
		}
	}

	for _, u := range newState.Users {
		if !u.IsInactive && u.Name != nil && *u.Name == name {
			return nil, s, ErrDuplicateName
		}
	}

	if stale != nil {
		stale.IsInactive = false
		stale.Kicked = false
		newState.Users[issuer] = *stale
		return []Event{{Type: EvtUserTakenOver, UserID: issuer, Target: staleID}}, newState, nil
	}

	user := newState.Users[issuer]
	user.Name = &name
	newState.Users[issuer] = user
	return []Event{{Type: EvtNameChanged, UserID: issuer}}, newState, nil
}

// AddUser registers a fresh participant, refusing once maxUsers entries
// (inactive ones included) are present.
func AddUser(s SessionState, id string, maxUsers int) ([]Event, SessionState, error) {
	if len(s.Users) >= maxUsers {
		return nil, s, ErrMaxUsersExceeded
	}
	newState := s.Clone()
	newState.Users[id] = UserState{}
	return []Event{{Type: EvtUserJoined, UserID: id}}, newState, nil
}

// RemoveUser runs when a participant's connection is gone. With hold set the
// entry stays behind as inactive so a later NameChange can take it over;
// kicked users are always removed.
func RemoveUser(s SessionState, id string, hold bool) ([]Event, SessionState) {
	user, ok := s.Users[id]
	if !ok {
		return nil, s
	}

	newState := s.Clone()
	var events []Event
	if hold && !user.Kicked {
		user.IsInactive = true
		newState.Users[id] = user
		events = append(events, Event{Type: EvtUserOnHold, UserID: id})
	} else {
		delete(newState.Users, id)
		events = append(events, Event{Type: EvtUserLeft, UserID: id})
	}

	if newState.IsAdmin(id) {
		newState.Admin = nil
		events = append(events, Event{Type: EvtAdminCleared, UserID: id})
	}
	return events, newState
}
