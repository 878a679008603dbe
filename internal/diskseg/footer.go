package diskseg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/heroiclabs/vectorbase/internal/codec"
)

// Magic is the segment file's trailing 8-byte identifier.
var Magic = [8]byte{0xD4, 0x56, 0x3F, 0x35, 0xE0, 0xEF, 0x09, 0x7A}

// FooterSize is the fixed trailing footer size.
const FooterSize = 64

// ErrBadMagicNumber is returned by decodeFooter when the trailing 8 bytes of
// a segment file do not match Magic.
var ErrBadMagicNumber = errors.New("diskseg: bad magic number")

// ErrBadFooter is returned when the footer's encoded directory handles do
// not fit the fixed footer budget.
var ErrBadFooter = errors.New("diskseg: bad footer")

// footer is the fixed-size trailer written at the end of every segment
// file: doc_end, the three directory block handles, zero padding, then the
// magic in the last 8 bytes.
type footer struct {
	docEnd      uint64
	docMetaBH   codec.BlockHandle
	fieldMetaBH codec.BlockHandle
	vectorBH    codec.BlockHandle
}

func (f footer) encode() ([]byte, error) {
	var body bytes.Buffer
	var end [8]byte
	binary.BigEndian.PutUint64(end[:], f.docEnd)
	body.Write(end[:])
	if err := f.docMetaBH.WriteTo(&body); err != nil {
		return nil, err
	}
	if err := f.fieldMetaBH.WriteTo(&body); err != nil {
		return nil, err
	}
	if err := f.vectorBH.WriteTo(&body); err != nil {
		return nil, err
	}
	if body.Len() > FooterSize-len(Magic) {
		return nil, fmt.Errorf("%w: body %d bytes exceeds %d-byte budget", ErrBadFooter, body.Len(), FooterSize-len(Magic))
	}
	out := make([]byte, FooterSize)
	copy(out, body.Bytes())
	copy(out[FooterSize-len(Magic):], Magic[:])
	return out, nil
}

func decodeFooter(b []byte) (footer, error) {
	if len(b) != FooterSize {
		return footer{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrBadFooter, FooterSize, len(b))
	}
	if !bytes.Equal(b[FooterSize-len(Magic):], Magic[:]) {
		return footer{}, ErrBadMagicNumber
	}
	docEnd := binary.BigEndian.Uint64(b[:8])
	r := bytes.NewReader(b[8 : FooterSize-len(Magic)])
	docMetaBH, err := codec.ReadBlockHandle(r)
	if err != nil {
		return footer{}, fmt.Errorf("%w: doc_meta handle: %v", ErrBadFooter, err)
	}
	fieldMetaBH, err := codec.ReadBlockHandle(r)
	if err != nil {
		return footer{}, fmt.Errorf("%w: field_meta handle: %v", ErrBadFooter, err)
	}
	vectorBH, err := codec.ReadBlockHandle(r)
	if err != nil {
		return footer{}, fmt.Errorf("%w: vector handle: %v", ErrBadFooter, err)
	}
	return footer{docEnd: docEnd, docMetaBH: docMetaBH, fieldMetaBH: fieldMetaBH, vectorBH: vectorBH}, nil
}
