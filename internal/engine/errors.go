package engine

import "errors"

// The error text doubles as the message shown to the client, so it keeps the
// names the web frontend already knows.
var ErrInvalidMessage = errors.New("InvalidMessage")
var ErrInsufficientPermissions = errors.New("InsufficientPermissions")
var ErrDuplicateName = errors.New("DuplicateName")
var ErrMaxSessionsExceeded = errors.New("MaxSessionsExceeded")
var ErrMaxUsersExceeded = errors.New("MaxUsersExceeded")
var ErrUnknownUserId = errors.New("UnknownUserId")
var ErrUserKicked = errors.New("UserKicked")
var ErrConnectionNotClosedAfterHold = errors.New("ConnectionNotClosedAfterHold")
var ErrUnsupportedCommand = errors.New("unsupported command")

var knownErrors = []error{
	ErrInvalidMessage,
	ErrInsufficientPermissions,
	ErrDuplicateName,
	ErrMaxSessionsExceeded,
	ErrMaxUsersExceeded,
	ErrUnknownUserId,
	ErrUserKicked,
	ErrConnectionNotClosedAfterHold,
}

// ErrorKind returns the sentinel err wraps, or nil for anything else
// (transport failures, cancellations).
func ErrorKind(err error) error {
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return known
		}
	}
	return nil
}
