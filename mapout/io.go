/*
Package mapout implements the map-side output stage of a partitioned
shuffle: it routes one map attempt's records into per-partition blocks,
then either commits them into final, addressable output files or reverts
them without a trace.

A typical attempt looks like this:

	w := &mapout.Writer{
		ShuffleID:     shuffleID,
		MapID:         mapID,
		Attempt:       attempt,
		NumPartitions: parts,
		Location:      host,

		Partitioner: mapout.HashPartitioner{Parts: parts},
		Blocks:      mapout.DiskBlockFactory{Root: tmpDir},
		Publisher:   mapout.FsPublisher{Dir: outDir},
	}
	if err := w.Write(records); err != nil {
		w.Stop(false)
		return err
	}
	status, err := w.Stop(true)

Stop is idempotent; a failure handler may call Stop(false) after the
normal path already completed the attempt. Concurrent attempts for the
same map output are safe: publication is serialized per shuffle and the
first committed file wins, later attempts converge on its sizes.
*/
package mapout

import (
	"github.com/itzzy/shuf"
)

// A RecordIterator yields a sequence of key/value pairs. shuf.EOF is
// returned as the error when no further records are available.
type RecordIterator func() (key, val shuf.DataWriter, err error)

// A Partitioner maps a record key to a partition index. The result must
// be deterministic for a given key and fall in [0, parts).
type Partitioner interface {
	Partition(key shuf.DataWriter) int
}

// A Combiner pre-aggregates records sharing a key before they are
// routed, used when the stage requires map-side combination.
type Combiner interface {
	Combine(records RecordIterator) (RecordIterator, error)
}

// A Block is one partition's append-only output stream during one map
// attempt. It ends in exactly one of two ways: CommitAndClose fixes its
// final length, RevertAndClose discards everything written to it.
type Block interface {
	shuf.Collector
	// CommitAndClose flushes buffered data and fixes the block's final
	// length. Length is only meaningful after a successful commit.
	CommitAndClose() error
	// RevertAndClose discards any bytes written and releases the
	// underlying file.
	RevertAndClose() error
	Length() int64
	// Path locates the committed temporary file for publication.
	Path() shuf.FsPath
}

// A BlockFactory opens a fresh Block per call. The factory owns the
// temporary naming policy; names must not collide across attempts.
type BlockFactory interface {
	Open(shuffleID, mapID, attempt, part int) (Block, error)
}

// A Publisher turns a committed, closed block into a final artifact at
// the partition's canonical location, and answers questions about what
// is already there.
type Publisher interface {
	Exists(shuffleID, mapID, part int) (bool, error)
	Length(shuffleID, mapID, part int) (int64, error)
	// Place atomically moves a committed temporary file into the
	// partition's final location.
	Place(temp shuf.FsPath, shuffleID, mapID, part int) error
	// Discard removes a temporary file that lost a publication race or
	// holds no data.
	Discard(temp shuf.FsPath) error
	// Delete removes the partition's final artifact.
	Delete(shuffleID, mapID, part int) error
}

// A Pool takes back ownership of an attempt's blocks once the attempt
// reaches a terminal state. Release is best-effort over all blocks.
type Pool interface {
	Release(blocks []Block, success bool) error
}
