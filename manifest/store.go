package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/birchdb/birch/blobstore"
	"github.com/birchdb/birch/internal/logbuf"
)

const (
	// JournalFileName is the base name of journal blobs.
	JournalFileName = "MANIFEST"
	// CurrentFileName names the blob pointing at the live journal.
	CurrentFileName = "CURRENT"
	// CurrentVersion is the journal format version.
	CurrentVersion = 1
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// journal is the serialized journal document.
type journal struct {
	Version int    `json:"version"`
	ID      uint64 `json:"id"`
	Edits   []Edit `json:"edits"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Compression enables zstd compression of the journal blob.
	Compression bool

	// CompressionLevel selects the zstd encoder level when Compression is
	// enabled. Defaults to zstd.SpeedDefault.
	CompressionLevel zstd.EncoderLevel
}

// Store is a journaling Sink: every applied edit is appended to a journal
// document persisted through a BlobStore, with a CURRENT pointer updated
// atomically afterwards.
type Store struct {
	mu     sync.Mutex
	store  blobstore.BlobStore
	opts   StoreOptions
	id     uint64
	edits  []Edit
	closed bool
}

// NewStore creates a journaling manifest store on top of bs.
func NewStore(bs blobstore.BlobStore, optFns ...func(o *StoreOptions)) *Store {
	opts := StoreOptions{CompressionLevel: zstd.SpeedDefault}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{store: bs, opts: opts}
}

// LogAndApply appends the edit to the journal and persists it. The caller
// holds mu; it is released during IO and reacquired before returning, so
// concurrent structural work is not blocked on journal writes.
func (s *Store) LogAndApply(cf *ColumnFamily, _ MutableOptions, edit *Edit, mu *sync.Mutex, lb *logbuf.Buffer) error {
	if mu != nil {
		mu.Unlock()
		defer mu.Lock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	applied := *edit
	if cf != nil {
		applied.ColumnFamilyID = cf.ID
		applied.ColumnFamily = cf.Name
	}
	applied.CreatedAt = time.Now()

	s.edits = append(s.edits, applied)
	s.id++

	if err := s.persist(context.Background()); err != nil {
		// The edit did not become durable; drop it again.
		s.edits = s.edits[:len(s.edits)-1]
		s.id--
		return fmt.Errorf("manifest: log and apply: %w", err)
	}

	lb.Info("manifest edit applied",
		"journal_id", s.id,
		"column_family", applied.ColumnFamily,
		"added_files", len(applied.AddedFiles),
	)
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	doc := journal{Version: CurrentVersion, ID: s.id, Edits: s.edits}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	if s.opts.Compression {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(s.opts.CompressionLevel))
		if err != nil {
			return err
		}
		raw = enc.EncodeAll(raw, nil)
		_ = enc.Close() // Intentionally ignore: stateless EncodeAll use
	}

	filename := fmt.Sprintf("%s-%06d", JournalFileName, s.id)
	if err := s.store.Put(ctx, filename, raw); err != nil {
		return err
	}
	return s.store.Put(ctx, CurrentFileName, []byte(filename))
}

// Load reads the journal pointed at by CURRENT. It returns ErrNotFound if
// no journal has been persisted yet.
func (s *Store) Load(ctx context.Context) ([]Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.store.Open(ctx, CurrentFileName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	name, err := blobstore.ReadAll(cur)
	_ = cur.Close() // Intentionally ignore: read-only handle
	if err != nil {
		return nil, err
	}

	b, err := s.store.Open(ctx, string(name))
	if err != nil {
		return nil, fmt.Errorf("manifest: open journal %s: %w", name, err)
	}
	defer b.Close()

	raw, err := blobstore.ReadAll(b)
	if err != nil {
		return nil, err
	}

	if bytes.HasPrefix(raw, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		raw, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, err
		}
	}

	var doc journal
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, doc.Version)
	}
	return doc.Edits, nil
}

// Edits returns a copy of the applied edits, newest last.
func (s *Store) Edits() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Edit, len(s.edits))
	copy(out, s.edits)
	return out
}

// Close marks the store closed. Further applies fail with ErrSinkClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
