package flush

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/birchdb/birch/blobstore"
	"github.com/birchdb/birch/comparator"
	"github.com/birchdb/birch/internal/keys"
	"github.com/birchdb/birch/manifest"
	"github.com/birchdb/birch/memtable"
	"github.com/birchdb/birch/model"
	"github.com/birchdb/birch/resource"
)

// tableMagic identifies a birch level-0 table file.
var tableMagic = []byte("brchtbl1")

// TableFileName returns the blob name for a table file number.
func TableFileName(fileNum model.FileNumber) string {
	return fmt.Sprintf("%06d.tbl", uint64(fileNum))
}

// TableWriter builds an immutable table file from one or more frozen
// memtables. Implementations must write the merged records in internal key
// order so the file can be binary searched later.
type TableWriter interface {
	BuildTable(ctx context.Context, fileNum model.FileNumber, mems []*memtable.MemTable) (manifest.FileMetadata, error)
}

// BlobTableWriterOptions configure a BlobTableWriter.
type BlobTableWriterOptions struct {
	// Resources paces table file writes against the IO budget. Nil disables
	// pacing.
	Resources *resource.Controller
}

// BlobTableWriter writes table files into a BlobStore. Records from all
// input memtables are merged into a single sorted run; every record is
// kept, so a newer deletion and the older value it shadows both survive
// until compaction.
type BlobTableWriter struct {
	store blobstore.BlobStore
	cmp   comparator.Comparator
	opts  BlobTableWriterOptions
}

// NewBlobTableWriter creates a writer storing table files in store, merging
// records under userCmp.
func NewBlobTableWriter(store blobstore.BlobStore, userCmp comparator.Comparator, optFns ...func(o *BlobTableWriterOptions)) *BlobTableWriter {
	opts := BlobTableWriterOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if userCmp == nil {
		userCmp = comparator.Bytewise()
	}
	return &BlobTableWriter{
		store: store,
		cmp:   userCmp,
		opts:  opts,
	}
}

// BuildTable implements TableWriter.
func (w *BlobTableWriter) BuildTable(ctx context.Context, fileNum model.FileNumber, mems []*memtable.MemTable) (manifest.FileMetadata, error) {
	meta := manifest.FileMetadata{
		FileNumber:  fileNum,
		Path:        TableFileName(fileNum),
		SmallestSeq: model.MaxSequenceNumber,
	}

	var buf bytes.Buffer
	var dst io.Writer = &buf
	if w.opts.Resources != nil {
		dst = resource.NewRateLimitedWriter(ctx, &buf, w.opts.Resources)
	}
	if _, err := dst.Write(tableMagic); err != nil {
		return manifest.FileMetadata{}, fmt.Errorf("flush: build table: %w", err)
	}

	iters := make([]*memtable.Iterator, 0, len(mems))
	for _, m := range mems {
		it := m.NewIterator()
		it.First()
		if it.Valid() {
			iters = append(iters, it)
		}
	}

	var scratch []byte
	for len(iters) > 0 {
		best := 0
		for i := 1; i < len(iters); i++ {
			if w.less(iters[i], iters[best]) {
				best = i
			}
		}
		it := iters[best]

		scratch = appendRecord(scratch[:0], it.UserKey(), it.Sequence(), it.Kind(), it.Value())
		if _, err := dst.Write(scratch); err != nil {
			return manifest.FileMetadata{}, fmt.Errorf("flush: build table: %w", err)
		}
		w.observe(&meta, it)

		it.Next()
		if !it.Valid() {
			iters = append(iters[:best], iters[best+1:]...)
		}
	}

	if meta.Entries == 0 {
		meta.SmallestSeq = 0
	}
	meta.Size = int64(buf.Len())
	if err := w.store.Put(ctx, meta.Path, buf.Bytes()); err != nil {
		return manifest.FileMetadata{}, fmt.Errorf("flush: store table %s: %w", meta.Path, err)
	}
	return meta, nil
}

// less orders iterator heads by user key ascending, then sequence number
// descending. Sequence numbers are unique across tables, so there are no
// exact ties.
func (w *BlobTableWriter) less(a, b *memtable.Iterator) bool {
	if c := w.cmp.Compare(a.UserKey(), b.UserKey()); c != 0 {
		return c < 0
	}
	return a.Sequence() > b.Sequence()
}

func (w *BlobTableWriter) observe(meta *manifest.FileMetadata, it *memtable.Iterator) {
	ukey := it.UserKey()
	if meta.Entries == 0 || w.cmp.Compare(ukey, meta.SmallestKey) < 0 {
		meta.SmallestKey = append([]byte(nil), ukey...)
	}
	if meta.Entries == 0 || w.cmp.Compare(ukey, meta.LargestKey) > 0 {
		meta.LargestKey = append([]byte(nil), ukey...)
	}
	seq := it.Sequence()
	if seq < meta.SmallestSeq {
		meta.SmallestSeq = seq
	}
	if seq > meta.LargestSeq {
		meta.LargestSeq = seq
	}
	meta.Entries++
	if it.Kind() == model.KindDeletion {
		meta.Deletes++
	}
}

func appendRecord(dst, ukey []byte, seq model.SequenceNumber, kind model.ValueKind, value []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(ukey)))
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	dst = append(dst, ukey...)
	var trailer [keys.TrailerLen]byte
	binary.LittleEndian.PutUint64(trailer[:], keys.PackTrailer(seq, kind))
	dst = append(dst, trailer[:]...)
	return append(dst, value...)
}

// TableEntry is one decoded record of a table file.
type TableEntry struct {
	UserKey  []byte
	Sequence model.SequenceNumber
	Kind     model.ValueKind
	Value    []byte
}

// ReadTable decodes a table file back into its records. It is used to
// verify flushed files and by the compaction path.
func ReadTable(ctx context.Context, store blobstore.BlobStore, name string) ([]TableEntry, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("flush: open table %s: %w", name, err)
	}
	defer blob.Close()

	data, err := blobstore.ReadAll(blob)
	if err != nil {
		return nil, fmt.Errorf("flush: read table %s: %w", name, err)
	}
	if len(data) < len(tableMagic) || !bytes.Equal(data[:len(tableMagic)], tableMagic) {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorruptTable, name)
	}
	data = data[len(tableMagic):]

	var entries []TableEntry
	for len(data) > 0 {
		klen, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: %s: truncated key length", ErrCorruptTable, name)
		}
		data = data[n:]
		vlen, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: %s: truncated value length", ErrCorruptTable, name)
		}
		data = data[n:]
		if uint64(len(data)) < klen+uint64(keys.TrailerLen)+vlen {
			return nil, fmt.Errorf("%w: %s: truncated record", ErrCorruptTable, name)
		}
		ukey := data[:klen]
		data = data[klen:]
		seq, kind := keys.UnpackTrailer(binary.LittleEndian.Uint64(data[:keys.TrailerLen]))
		data = data[keys.TrailerLen:]
		value := data[:vlen]
		data = data[vlen:]

		entries = append(entries, TableEntry{
			UserKey:  append([]byte(nil), ukey...),
			Sequence: seq,
			Kind:     kind,
			Value:    append([]byte(nil), value...),
		})
	}
	return entries, nil
}
