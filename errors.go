package tracevine

import "errors"

// errClientClosed is returned when starting a session on a client that
// has already shut down.
var errClientClosed = errors.New("tracevine: client is shut down")
