package auth

import (
	"fmt"

	"collabsphere.org/internal/apperr"
)

// Every authentication failure wraps apperr.ErrUnauthorized so the boundary
// maps them uniformly. The locked-account message is the single deliberate
// exception to the generic wording; everything else stays indistinct to
// prevent account enumeration.
var (
	ErrInvalidToken       = fmt.Errorf("%w: invalid gate token", apperr.ErrUnauthorized)
	ErrSessionNotFound    = fmt.Errorf("%w: session not found", apperr.ErrUnauthorized)
	ErrSessionExpired     = fmt.Errorf("%w: session expired", apperr.ErrUnauthorized)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)
	ErrAccountLocked      = fmt.Errorf("%w: account temporarily locked, try again later", apperr.ErrUnauthorized)
)
