// Package apperr defines the error taxonomy shared by every domain package.
// Services wrap a sentinel with fmt.Errorf("%w: reason", ...) and the boundary
// layer maps the sentinel to a transport status with errors.Is.
package apperr

import "errors"

var (
	// ErrUnauthorized covers missing, invalid, or expired credentials. The
	// message stays generic so callers cannot distinguish which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is authenticated but lacks the required
	// role, membership, or ownership.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound covers absent and soft-deleted entities alike.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a state-machine transition violates an invariant:
	// duplicate slug, double lock, double publish, already a member.
	ErrConflict = errors.New("conflict")

	// ErrBadRequest is malformed input at the domain level.
	ErrBadRequest = errors.New("bad request")

	// ErrGone is reserved for expired invites, the one case where a dead
	// entity does not behave as NotFound.
	ErrGone = errors.New("gone")
)
