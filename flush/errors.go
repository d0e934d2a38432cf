package flush

import "errors"

// ErrCorruptTable is returned when decoding a malformed table file.
var ErrCorruptTable = errors.New("flush: corrupt table file")
