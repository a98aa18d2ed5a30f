package xid

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tags of the transaction description record.
const (
	TagVersion  byte = 1
	TagFormatID byte = 5
	TagGlobalID byte = 6
	TagBranchID byte = 7
)

// Marker is the two byte prefix every encoded Xid starts with.
var Marker = []byte{TagVersion, TagFormatID}

// ErrMalformed is returned by Decode for any structural problem in the input.
var ErrMalformed = errors.New("malformed xid record")

// Encode serializes x as
//
//	TagVersion
//	TagFormatID  4-byte big-endian format id
//	TagGlobalID  1-byte length, global id
//	TagBranchID  1-byte length, branch qualifier
func Encode(x Xid) []byte {
	buf := make([]byte, 0, EncodedLen(x))
	buf = append(buf, TagVersion, TagFormatID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(x.formatID))
	buf = append(buf, TagGlobalID, byte(len(x.gtrid)))
	buf = append(buf, x.gtrid...)
	buf = append(buf, TagBranchID, byte(len(x.bqual)))
	buf = append(buf, x.bqual...)
	return buf
}

// EncodedLen returns the length of Encode(x).
func EncodedLen(x Xid) int {
	return 1 + 1 + 4 + 2 + len(x.gtrid) + 2 + len(x.bqual)
}

// Decode parses a record produced by Encode. Bytes after the branch qualifier
// are ignored.
func Decode(b []byte) (Xid, error) {
	r := reader{buf: b}
	if err := r.expect(TagVersion); err != nil {
		return Xid{}, err
	}
	if err := r.expect(TagFormatID); err != nil {
		return Xid{}, err
	}
	raw, err := r.take(4)
	if err != nil {
		return Xid{}, err
	}
	formatID := int32(binary.BigEndian.Uint32(raw))

	if err := r.expect(TagGlobalID); err != nil {
		return Xid{}, err
	}
	gtrid, err := r.field()
	if err != nil {
		return Xid{}, err
	}
	if err := r.expect(TagBranchID); err != nil {
		return Xid{}, err
	}
	bqual, err := r.field()
	if err != nil {
		return Xid{}, err
	}
	x, err := New(formatID, gtrid, bqual)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return x, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) expect(tag byte) error {
	if r.off >= len(r.buf) {
		return fmt.Errorf("%w: unexpected end of record at offset %d, want tag %d", ErrMalformed, r.off, tag)
	}
	if got := r.buf[r.off]; got != tag {
		return fmt.Errorf("%w: tag %d at offset %d, want %d", ErrMalformed, got, r.off, tag)
	}
	r.off++
	return nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n > len(r.buf)-r.off {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, r.off, len(r.buf)-r.off)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) field() ([]byte, error) {
	l, err := r.take(1)
	if err != nil {
		return nil, err
	}
	return r.take(int(l[0]))
}
