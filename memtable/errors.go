package memtable

import "errors"

// ErrKeyDeleted is returned by Get when the newest visible record for the
// key is a deletion tombstone. The key was found, but it is gone.
var ErrKeyDeleted = errors.New("memtable: key deleted")
