package safes

import "errors"

// ErrNotAuthorized rejects an administrative instruction whose signer is not
// an admin of the safe or whose signature fails the quorum check.
var ErrNotAuthorized = errors.New("not authorized")
