package objectstore

import "errors"

// ErrNotFound is returned by Get, Pin, Unpin, and NameResolve when the
// target cid or mutable name has no record.
var ErrNotFound = errors.New("objectstore: not found")
