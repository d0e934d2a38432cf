// Package keys implements the internal key encoding used by memtables.
//
// An internal key is the user key followed by an 8-byte little-endian
// trailer packing the sequence number and value kind:
//
//	| user key ... | (sequence << 8) | kind |
//
// Internal keys order by user key ascending and trailer descending, so the
// newest record for a user key sorts first. This is what lets a point
// lookup seek to (key, bound) and take the first qualifying record.
package keys

import (
	"encoding/binary"

	"github.com/birchdb/birch/comparator"
	"github.com/birchdb/birch/model"
)

// TrailerLen is the encoded size of the sequence/kind trailer.
const TrailerLen = 8

// PackTrailer packs a sequence number and value kind into a trailer.
func PackTrailer(seq model.SequenceNumber, kind model.ValueKind) uint64 {
	return uint64(seq)<<8 | uint64(kind)
}

// UnpackTrailer splits a trailer into sequence number and value kind.
func UnpackTrailer(t uint64) (model.SequenceNumber, model.ValueKind) {
	return model.SequenceNumber(t >> 8), model.ValueKind(t & 0xff)
}

// AppendInternal appends the internal encoding of (ukey, seq, kind) to dst.
func AppendInternal(dst, ukey []byte, seq model.SequenceNumber, kind model.ValueKind) []byte {
	dst = append(dst, ukey...)
	var trailer [TrailerLen]byte
	binary.LittleEndian.PutUint64(trailer[:], PackTrailer(seq, kind))
	return append(dst, trailer[:]...)
}

// kindSeek sorts before every real kind at the same sequence in the
// descending trailer order, so a seek lands on the newest visible record.
const kindSeek = 0xff

// AppendSeek appends the internal key used to position a lookup at the
// newest record for ukey with sequence <= seq.
func AppendSeek(dst, ukey []byte, seq model.SequenceNumber) []byte {
	dst = append(dst, ukey...)
	var trailer [TrailerLen]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(seq)<<8|kindSeek)
	return append(dst, trailer[:]...)
}

// UserKey returns the user key portion of an internal key.
func UserKey(ikey []byte) []byte {
	return ikey[:len(ikey)-TrailerLen]
}

// Trailer returns the decoded trailer of an internal key.
func Trailer(ikey []byte) (model.SequenceNumber, model.ValueKind) {
	t := binary.LittleEndian.Uint64(ikey[len(ikey)-TrailerLen:])
	return UnpackTrailer(t)
}

// Comparer orders internal keys: user key ascending per the configured
// comparator, then trailer descending (newer records first).
type Comparer struct {
	User comparator.Comparator
}

// Compare implements the internal key ordering.
func (c Comparer) Compare(a, b []byte) int {
	if r := c.User.Compare(UserKey(a), UserKey(b)); r != 0 {
		return r
	}
	at := binary.LittleEndian.Uint64(a[len(a)-TrailerLen:])
	bt := binary.LittleEndian.Uint64(b[len(b)-TrailerLen:])
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	default:
		return 0
	}
}
