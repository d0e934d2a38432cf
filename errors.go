package birch

import (
	"errors"
	"fmt"

	"github.com/birchdb/birch/memtable"
	"github.com/birchdb/birch/resource"
)

var (
	// ErrKeyNotFound is returned by Get when no live value is visible for
	// the key, whether it was never written or shadowed by a deletion.
	ErrKeyNotFound = errors.New("key not found")

	// ErrClosed is returned by operations on a closed buffer.
	ErrClosed = errors.New("buffer closed")

	// ErrEmptyKey is returned when writing a zero-length key.
	ErrEmptyKey = errors.New("empty key")
)

// translateError unifies lower-level sentinels into the package's public
// error surface. The underlying error stays reachable via errors.Is.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, memtable.ErrKeyDeleted) {
		return fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}
	if errors.Is(err, resource.ErrMemoryLimitExceeded) {
		return fmt.Errorf("write buffer full: %w", err)
	}
	return err
}
