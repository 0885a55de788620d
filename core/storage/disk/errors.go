package disk

import "errors"

// ErrIO is wrapped around every failed read/write/sync against the
// backing file, following the teacher's flushmanager sentinel-error style.
var ErrIO = errors.New("i/o error")
