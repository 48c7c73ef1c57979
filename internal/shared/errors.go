package shared

import "errors"

// ErrInvalidTeam indicates a malformed team scope.
var ErrInvalidTeam = errors.New("invalid team")
