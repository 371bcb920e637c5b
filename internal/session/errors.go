package session

import "errors"

// ErrNoRelocationCandidates rejects a resize that would displace an
// appointment with nowhere to move it. The session stays unchanged.
var ErrNoRelocationCandidates = errors.New("no relocation candidates available")
