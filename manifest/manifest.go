package manifest

import (
	"sync"
	"time"

	"github.com/birchdb/birch/internal/logbuf"
	"github.com/birchdb/birch/model"
)

// ColumnFamily identifies an independently versioned keyspace partition.
// The write-buffer subsystem treats it as an opaque handle.
type ColumnFamily struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// MutableOptions is the snapshot of per-partition mutable options that
// accompanies an installation.
type MutableOptions struct {
	WriteBufferSize                int64
	MinWriteBufferNumberToMerge    int
	MaxWriteBufferNumberToMaintain int
}

// FileMetadata describes a persisted sorted-table file produced by a flush.
type FileMetadata struct {
	FileNumber  model.FileNumber     `json:"file_number"`
	Path        string               `json:"path,omitempty"`
	Size        int64                `json:"size"`
	SmallestKey []byte               `json:"smallest_key,omitempty"`
	LargestKey  []byte               `json:"largest_key,omitempty"`
	SmallestSeq model.SequenceNumber `json:"smallest_seq"`
	LargestSeq  model.SequenceNumber `json:"largest_seq"`
	Entries     uint64               `json:"entries"`
	Deletes     uint64               `json:"deletes"`
}

// Edit is one atomic change to the version state: the files added by a
// committed flush batch, plus bookkeeping markers.
type Edit struct {
	ColumnFamilyID uint32         `json:"column_family_id"`
	ColumnFamily   string         `json:"column_family,omitempty"`
	AddedFiles     []FileMetadata `json:"added_files,omitempty"`
	// LogNumber marks the oldest write-ahead log still required after this
	// edit is applied.
	LogNumber uint64    `json:"log_number,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddFile records a newly persisted file in the edit.
func (e *Edit) AddFile(meta FileMetadata) {
	e.AddedFiles = append(e.AddedFiles, meta)
}

// Sink durably records version edits. LogAndApply is invoked during flush
// installation with the structural mutex held; implementations may release
// and reacquire mu around their own IO, and must leave it held on return.
// A failed apply aborts the remaining installation for that call.
type Sink interface {
	LogAndApply(cf *ColumnFamily, opts MutableOptions, edit *Edit, mu *sync.Mutex, lb *logbuf.Buffer) error
}
