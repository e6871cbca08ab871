package arbtrie

import "github.com/pkg/errors"

// ErrUnknownVersion is returned when a caller names a version that was
// never issued or has already been released.
var ErrUnknownVersion = errors.New("arbtrie: unknown version")
