/*
Package kv supports reading and writing of a simple framed file format
storing key-value pairs. It is the byte sink behind a partition output
stream: the writer counts every byte it emits so that a committed file's
length can be cross-checked against what was actually written.

KVFile format:
  vint(key-len) key vint(val-len) val
*/
package kv

import (
	"io"

	"github.com/golangplus/bytes"
	"github.com/golangplus/errors"

	"github.com/daviddengcn/go-villa"
	"github.com/itzzy/shuf"
)

type countedWriteCloser struct {
	Pos int64
	shuf.WriteCloser
}

func (w *countedWriteCloser) Write(p []byte) (n int, err error) {
	n, err = w.WriteCloser.Write(p)
	w.Pos += int64(n)
	return n, err
}

func (w *countedWriteCloser) WriteByte(c byte) error {
	if err := w.WriteCloser.WriteByte(c); err != nil {
		return err
	}
	w.Pos++
	return nil
}

// kv.Writer is a struct for generating a kv file.
// *kv.Writer implements the shuf.CollectCloser interface.
type Writer struct {
	writer countedWriteCloser
	objBuf bytesp.Slice
}

// NewWriter returns a *kv.Writer for writing a kv file at the specified FsPath.
func NewWriter(fp shuf.FsPath) (*Writer, error) {
	writer, err := fp.Fs.Create(fp.Path)
	if err != nil {
		return nil, errorsp.WithStacks(err)
	}

	return &Writer{
		writer: countedWriteCloser{WriteCloser: writer},
	}, nil
}

// io.Closer interface
func (kvw *Writer) Close() error {
	return kvw.writer.Close()
}

// Written returns the number of bytes collected so far.
func (kvw *Writer) Written() int64 {
	return kvw.writer.Pos
}

// shuf.CollectCloser interface
func (kvw *Writer) Collect(key, val shuf.DataWriter) error {
	// write key
	kvw.objBuf.Reset()
	key.WriteTo(&kvw.objBuf)
	if err := shuf.VInt(len(kvw.objBuf)).WriteTo(&kvw.writer); err != nil {
		return err
	}
	if _, err := kvw.writer.Write([]byte(kvw.objBuf)); err != nil {
		return err
	}
	// write val
	kvw.objBuf.Reset()
	val.WriteTo(&kvw.objBuf)
	if err := shuf.VInt(len(kvw.objBuf)).WriteTo(&kvw.writer); err != nil {
		return err
	}
	if _, err := kvw.writer.Write([]byte(kvw.objBuf)); err != nil {
		return err
	}
	// success
	return nil
}

type countedReadCloser struct {
	Pos int64
	shuf.ReadCloser
}

func (r *countedReadCloser) Read(p []byte) (n int, err error) {
	n, err = r.ReadCloser.Read(p)
	r.Pos += int64(n)
	return n, err
}

func (r *countedReadCloser) ReadByte() (c byte, err error) {
	c, err = r.ReadCloser.ReadByte()
	if err != nil {
		return c, err
	}
	r.Pos++
	return c, nil
}

func (r *countedReadCloser) Skip(n int64) (int64, error) {
	if n1, err := r.ReadCloser.Skip(n); err != nil {
		return n1, err
	}
	r.Pos += n
	return n, nil
}

func countReadCloser(reader shuf.ReadCloser) *countedReadCloser {
	return &countedReadCloser{
		ReadCloser: reader,
	}
}

// kv.Reader is a struct for reading a kv file.
type Reader struct {
	reader countedReadCloser
}

// NewReader returns a *Reader for reading the kv file at the specified FsPath.
func NewReader(fp shuf.FsPath) (*Reader, error) {
	reader, err := fp.Fs.Open(fp.Path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		reader: countedReadCloser{ReadCloser: reader},
	}, nil
}

// io.Closer interface
func (kvr *Reader) Close() error {
	return kvr.reader.Close()
}

// Next fetches next key/val pair. shuf.EOF is returned at a clean end of
// the file.
func (kvr *Reader) Next(key, val shuf.DataReader) error {
	var l shuf.VInt
	if err := (&l).ReadFrom(&kvr.reader, -1); err != nil {
		if errorsp.Cause(err) == io.EOF {
			return shuf.EOF
		}
		return errorsp.WithStacksAndMessage(err, "reading key length failed")
	}
	posEnd := kvr.reader.Pos + int64(l)
	if err := key.ReadFrom(&kvr.reader, int(l)); err != nil {
		if errorsp.Cause(err) == io.EOF {
			return errorsp.WithStacksAndMessage(io.ErrUnexpectedEOF, "Unexpected EOF reading key")
		}
		return errorsp.WithStacksAndMessage(err, "reading key %v failed", key)
	}
	if kvr.reader.Pos != posEnd {
		return errorsp.WithStacksAndMessage(shuf.ErrBadFormat, "PosEnd wrong after reading key(len = %d) %v: exp %d, act %d", l, key, posEnd, kvr.reader.Pos)
	}

	if err := (&l).ReadFrom(&kvr.reader, -1); err != nil {
		if errorsp.Cause(err) == io.EOF {
			return errorsp.WithStacksAndMessage(io.ErrUnexpectedEOF, "Unexpected EOF reading val length for key %v", key)
		}
		return err
	}
	posEnd = kvr.reader.Pos + int64(l)
	if err := val.ReadFrom(&kvr.reader, int(l)); err != nil {
		if errorsp.Cause(err) == io.EOF {
			return errorsp.WithStacksAndMessage(io.ErrUnexpectedEOF, "Unexpected EOF reading val for key %v", key)
		}
		return errorsp.WithStacksAndMessage(err, "reading value for key %v failed", key)
	}
	if kvr.reader.Pos != posEnd {
		return errorsp.WithStacksAndMessage(shuf.ErrBadFormat, "PosEnd wrong after reading key %v, value %v: exp %d, act %d",
			key, val, posEnd, kvr.reader.Pos)
	}
	return nil
}

// ReadAsByteOffs reads a kv file as a slice of buffer and some int slices
// of key offsets, key ends, value offsets, and value ends.
func ReadAsByteOffs(fp shuf.FsPath) (buffer bytesp.Slice, keyOffs, keyEnds, valOffs, valEnds villa.IntSlice, err error) {
	fi, err := fp.Stat()
	if err != nil {
		return nil, nil, nil, nil, nil, errorsp.WithStacks(err)
	}

	reader, err := fp.Open()
	if err != nil {
		return nil, nil, nil, nil, nil, errorsp.WithStacks(err)
	}
	defer reader.Close()

	buffer = make(bytesp.Slice, fi.Size())
	if _, err := io.ReadFull(reader, buffer); err != nil {
		return nil, nil, nil, nil, nil, errorsp.WithStacksAndMessage(err, "reading %d bytes failed", len(buffer))
	}
	buf := countReadCloser(bytesp.NewPSlice(buffer))
	for buf.Pos < int64(len(buffer)) {
		var l shuf.VInt
		if err := (&l).ReadFrom(buf, -1); err != nil {
			return nil, nil, nil, nil, nil, errorsp.WithStacksAndMessage(shuf.ErrBadFormat, "failed to read key-lenth: %v", err)
		}
		keyOffs = append(keyOffs, int(buf.Pos))
		if _, err := buf.Skip(int64(l)); err != nil {
			return nil, nil, nil, nil, nil, errorsp.WithStacksAndMessage(shuf.ErrBadFormat, "failed to skip key: %v", err)
		}
		keyEnds = append(keyEnds, int(buf.Pos))
		if err := (&l).ReadFrom(buf, -1); err != nil {
			return nil, nil, nil, nil, nil, errorsp.WithStacksAndMessage(shuf.ErrBadFormat, "failed to read value-lenth: %v", err)
		}
		valOffs = append(valOffs, int(buf.Pos))
		if _, err := buf.Skip(int64(l)); err != nil {
			return nil, nil, nil, nil, nil, errorsp.WithStacksAndMessage(shuf.ErrBadFormat, "failed to read value: %v", err)
		}
		valEnds = append(valEnds, int(buf.Pos))
	}
	return
}

// WriteByteOffs generates a kv file with key-value pairs represented as a
// slice of buffer and some int slices of key offsets, key ends, value offsets,
// and value ends.
func WriteByteOffs(fp shuf.FsPath, buffer []byte, keyOffs, keyEnds, valOffs, valEnds []int) error {
	if len(keyOffs) != len(keyEnds) || len(keyOffs) != len(valOffs) || len(keyOffs) != len(valEnds) {
		return errorsp.NewWithStacks("length of keyOffs(%d), keyEnds(%d), valOffs(%d) and valEnds(%d) must be the same",
			len(keyOffs), len(keyEnds), len(valOffs), len(valEnds))
	}
	writer, err := fp.Create()
	if err != nil {
		return errorsp.WithStacks(err)
	}
	defer writer.Close()

	for i, keyOff := range keyOffs {
		keyEnd, valOff, valEnd := keyEnds[i], valOffs[i], valEnds[i]
		if err := shuf.VInt(keyEnd - keyOff).WriteTo(writer); err != nil {
			return errorsp.WithStacks(err)
		}
		if _, err := writer.Write(buffer[keyOff:keyEnd]); err != nil {
			return errorsp.WithStacks(err)
		}
		if err := shuf.VInt(valEnd - valOff).WriteTo(writer); err != nil {
			return errorsp.WithStacks(err)
		}
		if _, err := writer.Write(buffer[valOff:valEnd]); err != nil {
			return errorsp.WithStacks(err)
		}
	}
	return nil
}
