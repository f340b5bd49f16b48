package mapout

import (
	"fmt"
	"sort"

	"github.com/golangplus/bytes"
	"github.com/golangplus/errors"

	"github.com/daviddengcn/go-villa"
	"github.com/itzzy/shuf"
	"github.com/itzzy/shuf/kv"
)

func bytesCmp(a, b []byte) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	if len(b) > len(a) {
		return -1
	}
	// equal
	return 0
}

// combineChunk holds encoded records contiguously in one buffer, key
// then value per record, with offset slices delimiting them.
type combineChunk struct {
	Buffer  bytesp.Slice
	KeyOffs villa.IntSlice
	ValOffs villa.IntSlice
	ValEnds villa.IntSlice
}

func (c *combineChunk) Len() int {
	return len(c.KeyOffs)
}

func (c *combineChunk) Less(i, j int) bool {
	si := c.Buffer[c.KeyOffs[i]:c.ValOffs[i]]
	sj := c.Buffer[c.KeyOffs[j]:c.ValOffs[j]]
	return bytesCmp(si, sj) < 0
}

func (c *combineChunk) Swap(i, j int) {
	c.KeyOffs.Swap(i, j)
	c.ValOffs.Swap(i, j)
	c.ValEnds.Swap(i, j)
}

func (c *combineChunk) add(key, val shuf.DataWriter) {
	c.KeyOffs.Add(len(c.Buffer))
	key.WriteTo(&c.Buffer)
	c.ValOffs.Add(len(c.Buffer))
	val.WriteTo(&c.Buffer)
	c.ValEnds.Add(len(c.Buffer))
}

func (c *combineChunk) reset() {
	c.Buffer = c.Buffer[:0]
	c.KeyOffs = c.KeyOffs[:0]
	c.ValOffs = c.ValOffs[:0]
	c.ValEnds = c.ValEnds[:0]
}

// MemCombiner is a map-side combiner grouping records by the byte
// encoding of their keys. Records are buffered in memory in sorted
// chunks; when MemLimit is exceeded a chunk is spilled to SpillFolder as
// a kv file, and the combined output is a streaming merge of the memory
// chunk and all spills, folding the values of each key with MergeF.
//
// A MemCombiner is stateless across Combine calls and may be shared.
type MemCombiner struct {
	// NewVal returns a fresh instance for decoding a value.
	NewVal func() shuf.Datum
	// MergeF folds val into acc and returns the combined value. It may
	// modify and return acc.
	MergeF func(acc, val shuf.Datum) (shuf.Datum, error)
	// MemLimit caps the buffered bytes before a spill. Zero means never
	// spill.
	MemLimit    int
	SpillFolder shuf.FsPath
}

// Combiner interface
func (mc *MemCombiner) Combine(records RecordIterator) (RecordIterator, error) {
	if mc.NewVal == nil || mc.MergeF == nil {
		return nil, errorsp.NewWithStacks("mapout.MemCombiner: NewVal and MergeF undefined!")
	}
	var chunk combineChunk
	var spills []shuf.FsPath
	removeSpills := func() {
		for _, fp := range spills {
			fp.Remove()
		}
	}
	for {
		key, val, err := records()
		if err != nil {
			if errorsp.Cause(err) == shuf.EOF {
				break
			}
			removeSpills()
			return nil, errorsp.WithStacksAndMessage(err, "fetching record failed")
		}
		chunk.add(key, val)
		if mc.MemLimit > 0 && len(chunk.Buffer) >= mc.MemLimit {
			fp, err := mc.spill(&chunk, len(spills))
			if err != nil {
				removeSpills()
				return nil, err
			}
			spills = append(spills, fp)
		}
	}
	sort.Sort(&chunk)

	sources := []*mergeSource{chunkSource(&chunk)}
	cleanup := func() {
		for _, s := range sources {
			if s.close != nil {
				s.close()
			}
		}
		removeSpills()
	}
	for _, fp := range spills {
		s, err := fileSource(fp)
		if err != nil {
			cleanup()
			return nil, err
		}
		sources = append(sources, s)
	}
	for _, s := range sources {
		if err := s.advance(); err != nil {
			cleanup()
			return nil, errorsp.WithStacks(err)
		}
	}
	return mc.mergeIterator(sources, cleanup), nil
}

// spill sorts the chunk and writes it out as a kv file, then resets the
// chunk for further records.
func (mc *MemCombiner) spill(chunk *combineChunk, seq int) (shuf.FsPath, error) {
	sort.Sort(chunk)
	if err := mc.SpillFolder.Mkdir(0755); err != nil {
		return shuf.FsPath{}, errorsp.WithStacks(err)
	}
	fp := mc.SpillFolder.Join(fmt.Sprintf("combine-%05d.kv", seq))
	if err := kv.WriteByteOffs(fp, chunk.Buffer,
		chunk.KeyOffs, chunk.ValOffs, chunk.ValOffs, chunk.ValEnds); err != nil {
		return shuf.FsPath{}, err
	}
	chunk.reset()
	return fp, nil
}

// mergeSource yields encoded key/val pairs in key order. key and val are
// only valid until the next advance.
type mergeSource struct {
	key, val []byte
	eof      bool
	advance  func() error
	close    func() error
}

func chunkSource(c *combineChunk) *mergeSource {
	i := 0
	s := &mergeSource{}
	s.advance = func() error {
		if i >= c.Len() {
			s.eof = true
			return nil
		}
		s.key = c.Buffer[c.KeyOffs[i]:c.ValOffs[i]]
		s.val = c.Buffer[c.ValOffs[i]:c.ValEnds[i]]
		i++
		return nil
	}
	return s
}

func fileSource(fp shuf.FsPath) (*mergeSource, error) {
	reader, err := kv.NewReader(fp)
	if err != nil {
		return nil, err
	}
	var key, val shuf.RawByteSlice
	s := &mergeSource{close: reader.Close}
	s.advance = func() error {
		err := reader.Next(&key, &val)
		if err != nil {
			if errorsp.Cause(err) == shuf.EOF {
				s.eof = true
				return nil
			}
			return err
		}
		s.key, s.val = key, val
		return nil
	}
	return s, nil
}

func (mc *MemCombiner) decode(b []byte) (shuf.Datum, error) {
	d := mc.NewVal()
	buf := bytesp.Slice(b)
	if err := d.ReadFrom(&buf, len(b)); err != nil {
		return nil, errorsp.WithStacksAndMessage(err, "decoding value failed")
	}
	return d, nil
}

// mergeIterator streams the k-way merge of the sources, folding each
// equal-key run into one record. cleanup runs once, when the merge is
// exhausted or fails.
func (mc *MemCombiner) mergeIterator(sources []*mergeSource, cleanup func()) RecordIterator {
	var keyBuf bytesp.Slice
	done := false
	finish := func() {
		if !done {
			done = true
			cleanup()
		}
	}
	return func() (shuf.DataWriter, shuf.DataWriter, error) {
		if done {
			return nil, nil, shuf.EOF
		}
		var min *mergeSource
		for _, s := range sources {
			if s.eof {
				continue
			}
			if min == nil || bytesCmp(s.key, min.key) < 0 {
				min = s
			}
		}
		if min == nil {
			finish()
			return nil, nil, shuf.EOF
		}
		keyBuf = append(keyBuf[:0], min.key...)
		acc, err := mc.decode(min.val)
		if err != nil {
			finish()
			return nil, nil, err
		}
		if err := min.advance(); err != nil {
			finish()
			return nil, nil, errorsp.WithStacks(err)
		}
		for {
			var next *mergeSource
			for _, s := range sources {
				if !s.eof && bytesCmp(s.key, keyBuf) == 0 {
					next = s
					break
				}
			}
			if next == nil {
				break
			}
			val, err := mc.decode(next.val)
			if err != nil {
				finish()
				return nil, nil, err
			}
			if acc, err = mc.MergeF(acc, val); err != nil {
				finish()
				return nil, nil, errorsp.WithStacksAndMessage(err, "merging values failed")
			}
			if err := next.advance(); err != nil {
				finish()
				return nil, nil, errorsp.WithStacks(err)
			}
		}
		key := make(shuf.RawByteSlice, len(keyBuf))
		copy(key, keyBuf)
		return key, acc, nil
	}
}
