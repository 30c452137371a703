package attendance

import "errors"

var (
	// ErrInvalidEntry means a create request was empty or missing fields.
	ErrInvalidEntry = errors.New("invalid attendance entry")

	// ErrStudentNotFound means the matched identity label has no student row.
	ErrStudentNotFound = errors.New("student does not exist")

	// ErrUnverifiedIdentity blocks token issuance for students whose identity
	// has not been verified yet.
	ErrUnverifiedIdentity = errors.New("student not verified")

	// ErrNoPendingAttendance means the matched student has no record left to
	// claim: everything is either already recognized or confirmed.
	ErrNoPendingAttendance = errors.New("no pending attendance")

	// ErrTokenExpired covers missing, expired and already-redeemed tokens
	// uniformly. Clients are deliberately not told which case they hit.
	ErrTokenExpired = errors.New("token expired")
)
