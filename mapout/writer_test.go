package mapout

import (
	"errors"
	"testing"

	"github.com/golangplus/bytes"
	"github.com/golangplus/testing/assert"

	"github.com/itzzy/shuf"
	"github.com/itzzy/shuf/kv"
)

func modPartitioner(parts int) PartitionerFunc {
	return func(key shuf.DataWriter) int {
		return int(key.(shuf.VInt)) % parts
	}
}

func diskWriter(t *testing.T, parts int) (*Writer, shuf.FsPath, shuf.FsPath) {
	tmp := shuf.LocalFsPath(t.TempDir())
	out := shuf.LocalFsPath(t.TempDir())
	w := &Writer{
		ShuffleID:     7,
		MapID:         3,
		NumPartitions: parts,
		Location:      "worker-1",
		Partitioner:   modPartitioner(parts),
		Blocks:        DiskBlockFactory{Root: tmp},
		Publisher:     FsPublisher{Dir: out},
		Locks:         NewLocks(),
	}
	return w, tmp, out
}

func fileCount(t *testing.T, fp shuf.FsPath) int {
	infos, err := fp.ReadDir()
	assert.NoError(t, err)
	return len(infos)
}

func readVals(t *testing.T, fp shuf.FsPath) []string {
	reader, err := kv.NewReader(fp)
	assert.NoError(t, err)
	defer reader.Close()

	var key shuf.VInt
	var val shuf.RawString
	var vals []string
	for {
		err := reader.Next(&key, &val)
		if err == shuf.EOF {
			break
		}
		assert.NoError(t, err)
		vals = append(vals, string(val))
	}
	return vals
}

func TestWriteAndCommit(t *testing.T) {
	w, tmp, out := diskWriter(t, 3)

	assert.NoError(t, w.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("a")},
		{shuf.VInt(1), shuf.RawString("b")},
		{shuf.VInt(0), shuf.RawString("c")},
		{shuf.VInt(2), shuf.RawString("d")},
	})))
	status, err := w.Stop(true)
	assert.NoError(t, err)
	assert.Equal(t, "status.Location", status.Location, "worker-1")
	assert.Equal(t, "len(status.Sizes)", len(status.Sizes), 3)

	assert.Equal(t, "partition 0", readVals(t, out.Join(blockName(7, 3, 0))),
		[]string{"a", "c"})
	assert.Equal(t, "partition 1", readVals(t, out.Join(blockName(7, 3, 1))),
		[]string{"b"})
	assert.Equal(t, "partition 2", readVals(t, out.Join(blockName(7, 3, 2))),
		[]string{"d"})

	for part := 0; part < 3; part++ {
		fi, err := out.Join(blockName(7, 3, part)).Stat()
		assert.NoError(t, err)
		assert.Equal(t, "size", status.Sizes[part], fi.Size())
	}
	assert.Equal(t, "temp files left", fileCount(t, tmp), 0)

	// Redundant completion requests return the saved result untouched.
	again, err := w.Stop(true)
	assert.NoError(t, err)
	assert.True(t, "status again", again == status)
	again, err = w.Stop(false)
	assert.NoError(t, err)
	assert.True(t, "status after stop(false)", again == status)
	assert.Equal(t, "final files", fileCount(t, out), 3)
}

func TestStopIdempotent(t *testing.T) {
	commits, reverts := 0, 0
	w := &Writer{
		NumPartitions: 2,
		Partitioner:   modPartitioner(2),
		Blocks: BlockFactoryF(func(shuffleID, mapID, attempt, part int) (Block, error) {
			return &BlockStruct{
				CommitAndCloseF: func() error { commits++; return nil },
				RevertAndCloseF: func() error { reverts++; return nil },
				LengthF:         func() int64 { return 1 },
			}, nil
		}),
		Publisher: &PublisherStruct{},
		Locks:     NewLocks(),
	}
	assert.NoError(t, w.Write(IterKVs([]KV{{shuf.VInt(0), shuf.RawString("x")}})))

	status, err := w.Stop(true)
	assert.NoError(t, err)
	assert.Equal(t, "sizes", status.Sizes, []int64{1, 0})
	assert.Equal(t, "commits", commits, 1)

	again, err := w.Stop(true)
	assert.NoError(t, err)
	assert.True(t, "same status", again == status)
	assert.Equal(t, "commits after second stop", commits, 1)

	again, err = w.Stop(false)
	assert.NoError(t, err)
	assert.True(t, "status preserved", again == status)
	assert.Equal(t, "reverts", reverts, 0)
}

func TestStopRevert(t *testing.T) {
	w, tmp, out := diskWriter(t, 3)

	assert.NoError(t, w.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("a")},
		{shuf.VInt(1), shuf.RawString("b")},
	})))
	status, err := w.Stop(false)
	assert.NoError(t, err)
	assert.True(t, "status", status == nil)
	assert.Equal(t, "temp files", fileCount(t, tmp), 0)
	assert.Equal(t, "final files", fileCount(t, out), 0)
}

func TestCommitFailureRevertsAll(t *testing.T) {
	w, tmp, out := diskWriter(t, 3)
	base := FsPublisher{Dir: out}
	w.Publisher = &PublisherStruct{
		ExistsF: base.Exists,
		LengthF: base.Length,
		PlaceF: func(temp shuf.FsPath, shuffleID, mapID, part int) error {
			if part == 1 {
				return errors.New("disk full")
			}
			return base.Place(temp, shuffleID, mapID, part)
		},
		DiscardF: base.Discard,
		DeleteF:  base.Delete,
	}

	assert.NoError(t, w.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("a")},
		{shuf.VInt(1), shuf.RawString("b")},
		{shuf.VInt(2), shuf.RawString("c")},
	})))
	status, err := w.Stop(true)
	assert.True(t, "commit error", err != nil)
	assert.True(t, "status", status == nil)
	// Every partition rolled back, including the one already placed.
	assert.Equal(t, "final files", fileCount(t, out), 0)
	assert.Equal(t, "temp files", fileCount(t, tmp), 0)

	status, err = w.Stop(true)
	assert.NoError(t, err)
	assert.True(t, "status after retry", status == nil)
}

func TestCollisionFirstCommitterWins(t *testing.T) {
	tmp := shuf.LocalFsPath(t.TempDir())
	out := shuf.LocalFsPath(t.TempDir())
	locks := NewLocks()
	attempt := func(n int) *Writer {
		return &Writer{
			ShuffleID:     7,
			MapID:         3,
			Attempt:       n,
			NumPartitions: 2,
			Location:      "worker-1",
			Partitioner:   modPartitioner(2),
			Blocks:        DiskBlockFactory{Root: tmp},
			Publisher:     FsPublisher{Dir: out},
			Locks:         locks,
		}
	}

	wa := attempt(0)
	assert.NoError(t, wa.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("first")},
		{shuf.VInt(1), shuf.RawString("one")},
	})))
	sta, err := wa.Stop(true)
	assert.NoError(t, err)

	wb := attempt(1)
	assert.NoError(t, wb.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("a much longer second answer")},
		{shuf.VInt(1), shuf.RawString("two")},
	})))
	stb, err := wb.Stop(true)
	assert.NoError(t, err)

	// The second attempt adopts the first one's files and sizes; its own
	// data is discarded, not merged.
	assert.Equal(t, "sizes", stb.Sizes, sta.Sizes)
	assert.Equal(t, "partition 0", readVals(t, out.Join(blockName(7, 3, 0))),
		[]string{"first"})
	assert.Equal(t, "partition 1", readVals(t, out.Join(blockName(7, 3, 1))),
		[]string{"one"})
	assert.Equal(t, "temp files", fileCount(t, tmp), 0)
}

func TestEmptyPartitionScrubsStale(t *testing.T) {
	w, _, out := diskWriter(t, 3)

	// A stale artifact of partition 2 left behind by an earlier attempt.
	assert.NoError(t, out.Mkdir(0755))
	stale, err := kv.NewWriter(out.Join(blockName(7, 3, 2)))
	assert.NoError(t, err)
	assert.NoError(t, stale.Collect(shuf.VInt(9), shuf.RawString("stale")))
	assert.NoError(t, stale.Close())

	assert.NoError(t, w.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("a")},
		{shuf.VInt(1), shuf.RawString("b")},
	})))
	status, err := w.Stop(true)
	assert.NoError(t, err)
	assert.Equal(t, "sizes[2]", status.Sizes[2], int64(0))
	ok, err := out.Join(blockName(7, 3, 2)).Exists()
	assert.NoError(t, err)
	assert.True(t, "stale artifact removed", !ok)
}

func TestPreCombineRequiresCombiner(t *testing.T) {
	w, _, _ := diskWriter(t, 2)
	w.PreCombine = true

	fetched := 0
	records := RecordIterator(func() (shuf.DataWriter, shuf.DataWriter, error) {
		fetched++
		return nil, nil, shuf.EOF
	})
	err := w.Write(records)
	assert.True(t, "config error", err != nil)
	// The configuration check fires before any input is consumed.
	assert.Equal(t, "fetched", fetched, 0)
}

func TestPreCombineWrite(t *testing.T) {
	w, _, out := diskWriter(t, 1)
	w.PreCombine = true
	w.Combiner = &MemCombiner{
		NewVal: shuf.NewVInt,
		MergeF: func(acc, val shuf.Datum) (shuf.Datum, error) {
			*acc.(*shuf.VInt) += *val.(*shuf.VInt)
			return acc, nil
		},
	}
	w.Partitioner = HashPartitioner{Parts: 1}

	assert.NoError(t, w.Write(IterKVs([]KV{
		{shuf.RawString("x"), shuf.VInt(1)},
		{shuf.RawString("y"), shuf.VInt(2)},
		{shuf.RawString("x"), shuf.VInt(3)},
	})))
	_, err := w.Stop(true)
	assert.NoError(t, err)

	reader, err := kv.NewReader(out.Join(blockName(7, 3, 0)))
	assert.NoError(t, err)
	defer reader.Close()
	counts := make(map[string]int64)
	var key shuf.RawByteSlice
	var val shuf.VInt
	for {
		err := reader.Next(&key, &val)
		if err == shuf.EOF {
			break
		}
		assert.NoError(t, err)
		counts[string(key)] = val.Val()
	}
	assert.Equal(t, "counts", counts, map[string]int64{"x": 4, "y": 2})
}

func TestReleaseErrorsSwallowed(t *testing.T) {
	w, _, _ := diskWriter(t, 2)
	released := -1
	w.Pool = PoolF(func(blocks []Block, success bool) error {
		released = len(blocks)
		return errors.New("pool broken")
	})

	assert.NoError(t, w.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("a")},
		{shuf.VInt(1), shuf.RawString("b")},
	})))
	status, err := w.Stop(true)
	assert.NoError(t, err)
	assert.True(t, "status", status != nil)
	assert.Equal(t, "released", released, 2)
}

func TestWriterWithBlockPool(t *testing.T) {
	w, _, _ := diskWriter(t, 3)
	pool := NewBlockPool(w.Blocks)
	w.Blocks = pool
	w.Pool = pool

	assert.NoError(t, w.Write(IterKVs([]KV{
		{shuf.VInt(0), shuf.RawString("a")},
		{shuf.VInt(1), shuf.RawString("b")},
	})))
	assert.Equal(t, "outstanding", pool.Outstanding(), 2)
	_, err := w.Stop(true)
	assert.NoError(t, err)
	assert.Equal(t, "outstanding after stop", pool.Outstanding(), 0)
}

func TestStatusDatum(t *testing.T) {
	st := &Status{
		Location: "worker-9",
		Sizes:    []int64{0, 4096, 17},
	}
	var buf bytesp.Slice
	assert.NoError(t, st.WriteTo(&buf))

	var back Status
	assert.NoError(t, back.ReadFrom(&buf, len(buf)))
	assert.Equal(t, "status", &back, st)
}
