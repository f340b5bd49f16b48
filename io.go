/*
Package shuf is the substrate of a map-side shuffle output library: byte
stream interfaces, a small set of self-serializing datum types, and a
pluggable file system abstraction.

The core map-output writer lives in the mapout subpackage; the framed
key/value file format used for partition data lives in the kv subpackage.
*/
package shuf

import (
	"errors"
	"fmt"
	"io"
)

var (
	// EOF marks a clean end of a record sequence.
	EOF = errors.New("EOF")
	// ErrBadFormat is returned when framed data does not parse.
	ErrBadFormat = errors.New("bad kv format")
)

type Reader interface {
	io.Reader
	io.ByteReader
	Skip(n int64) (int64, error)
}

type ReadCloser interface {
	Reader
	io.Closer
}

type Writer interface {
	io.Writer
	io.ByteWriter
}

type WriteCloser interface {
	Writer
	io.Closer
}

// A DataWriter can serialize itself to a Writer.
type DataWriter interface {
	WriteTo(w Writer) error
}

// A DataReader can deserialize itself from a Reader. l is the number of
// bytes the value occupies, or -1 if unknown (self-delimiting types
// ignore it).
type DataReader interface {
	ReadFrom(r Reader, l int) error
}

// A Datum is a value that can be both written and read back.
type Datum interface {
	DataReader
	DataWriter
}

// A Collector receives key/value pairs.
type Collector interface {
	Collect(key, val DataWriter) error
}

type CollectCloser interface {
	Collector
	io.Closer
}

// VInt is an integer serialized as a variable-length sequence of bytes,
// 7 bits per byte, least significant group first.
type VInt uint64

func (i VInt) WriteTo(w Writer) error {
	var arr [10]byte
	n := 0
	for i > 0x7f {
		arr[n] = byte(i&0x7f) | 0x80
		n++
		i >>= 7
	}
	arr[n] = byte(i)
	n++
	_, err := w.Write(arr[:n])
	return err
}

func (i *VInt) ReadFrom(r Reader, l int) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	v := VInt(b & 0x7f)
	for n := VInt(7); b&0x80 != 0; n += 7 {
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		v |= VInt(b&0x7f) << n
	}
	*i = v
	return nil
}

func (i *VInt) Val() int64 {
	return int64(*i)
}

func (i *VInt) String() string {
	return fmt.Sprint(*i)
}

func NewVInt() Datum {
	return new(VInt)
}

// RawByteSlice is a plain byte slice occupying exactly its own length,
// relying on outer framing for delimiting. It can read back any datum.
type RawByteSlice []byte

func (ba RawByteSlice) WriteTo(w Writer) error {
	_, err := w.Write(ba)
	return err
}

func (ba *RawByteSlice) ReadFrom(r Reader, l int) error {
	if l < 0 {
		return ErrBadFormat
	}
	if cap(*ba) < l {
		*ba = make(RawByteSlice, l)
	}
	*ba = (*ba)[:l]
	_, err := io.ReadFull(r, *ba)
	return err
}

func NewRawByteSlice() Datum {
	return new(RawByteSlice)
}

// RawString is a string serialized as its raw bytes, relying on outer
// framing for delimiting.
type RawString string

func (s RawString) WriteTo(w Writer) error {
	_, err := w.Write([]byte(s))
	return err
}

func (s *RawString) ReadFrom(r Reader, l int) error {
	var ba RawByteSlice
	if err := ba.ReadFrom(r, l); err != nil {
		return err
	}
	*s = RawString(ba)
	return nil
}

func (s *RawString) String() string {
	return string(*s)
}

func (s *RawString) Val() string {
	return string(*s)
}

func NewRawString() Datum {
	return new(RawString)
}

// Null serializes to nothing.
type Null struct{}

func (Null) WriteTo(w Writer) error {
	return nil
}

func (Null) ReadFrom(r Reader, l int) error {
	return nil
}

func ReturnNull() Datum {
	return Null{}
}
