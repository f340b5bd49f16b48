package mapout

import (
	"log"

	"github.com/golangplus/errors"

	"github.com/itzzy/shuf"
)

type completionState int

const (
	stateOpen completionState = iota
	stateStopping
	stateCommitted
	stateReverted
)

// locks shared by writers that don't bring their own, one mutex space
// per process like the shuffle namespace it guards.
var defaultLocks = NewLocks()

// Writer is the map-output writer of one shuffle attempt. It owns one
// Block per partition, created lazily on the first record routed there,
// and drives the attempt through Open -> Stopping -> Committed|Reverted.
//
// A Writer is used from a single task-execution goroutine; the only
// cross-attempt synchronization is the per-shuffle publication lock.
type Writer struct {
	ShuffleID int
	MapID     int
	Attempt   int
	// NumPartitions is the number P of output partitions.
	NumPartitions int
	// Location identifies where this writer's committed output lives,
	// recorded verbatim in the Status for reduce-side fetching.
	Location string
	// ConsolidateOutputs skips per-partition final-file placement; the
	// deployment appends attempts into shared region files instead and
	// committed lengths stand as-is.
	ConsolidateOutputs bool
	// PreCombine requires a Combiner and runs it over the input before
	// routing.
	PreCombine bool

	Partitioner Partitioner
	Combiner    Combiner
	Blocks      BlockFactory
	Publisher   Publisher
	Pool        Pool
	// Locks serializes publication between attempts of the same
	// shuffle. If nil, a process-wide default is used.
	Locks *Locks

	state   completionState
	written bool
	blocks  []Block
	placed  []bool
	status  *Status
}

func (w *Writer) check() error {
	if w.NumPartitions <= 0 {
		return errorsp.NewWithStacks("mapout.Writer: NumPartitions (%d) must be positive!", w.NumPartitions)
	}
	if w.Partitioner == nil {
		return errorsp.NewWithStacks("mapout.Writer: Partitioner undefined!")
	}
	if w.Blocks == nil {
		return errorsp.NewWithStacks("mapout.Writer: Blocks undefined!")
	}
	if w.PreCombine && w.Combiner == nil {
		return errorsp.NewWithStacks("mapout.Writer: PreCombine set but Combiner undefined!")
	}
	if !w.ConsolidateOutputs && w.Publisher == nil {
		return errorsp.NewWithStacks("mapout.Writer: Publisher undefined!")
	}
	return nil
}

// Write consumes the attempt's records exactly once, routing each to its
// partition's block in input order. Calling it twice, or after Stop, is
// a caller error. On error the caller is expected to Stop(false).
func (w *Writer) Write(records RecordIterator) error {
	if err := w.check(); err != nil {
		return err
	}
	if w.state != stateOpen {
		return errorsp.NewWithStacks("mapout.Writer: write after completion")
	}
	if w.written {
		return errorsp.NewWithStacks("mapout.Writer: records already written")
	}
	w.written = true

	if w.PreCombine {
		var err error
		if records, err = w.Combiner.Combine(records); err != nil {
			return errorsp.WithStacksAndMessage(err, "combining records failed")
		}
	}
	for {
		key, val, err := records()
		if err != nil {
			if errorsp.Cause(err) == shuf.EOF {
				break
			}
			return errorsp.WithStacksAndMessage(err, "fetching record failed")
		}
		part := w.Partitioner.Partition(key)
		if part < 0 || part >= w.NumPartitions {
			return errorsp.NewWithStacks("partition %d of key %v out of range [0, %d)",
				part, key, w.NumPartitions)
		}
		blk, err := w.block(part)
		if err != nil {
			return err
		}
		if err := blk.Collect(key, val); err != nil {
			return errorsp.WithStacksAndMessage(err, "collecting to partition %d failed", part)
		}
	}
	return nil
}

func (w *Writer) block(part int) (Block, error) {
	if w.blocks == nil {
		w.blocks = make([]Block, w.NumPartitions)
	}
	blk := w.blocks[part]
	if blk == nil {
		var err error
		blk, err = w.Blocks.Open(w.ShuffleID, w.MapID, w.Attempt, part)
		if err != nil {
			return nil, errorsp.WithStacksAndMessage(err, "opening block for partition %d failed", part)
		}
		w.blocks[part] = blk
	}
	return blk, nil
}

// Stop completes the attempt. With success it commits all blocks and
// returns the completion Status; otherwise it reverts everything and
// returns nil. Stop is idempotent: once the attempt reaches a terminal
// state, further calls return the saved result without re-running any
// side effect, so a failure handler may call Stop(false) after the
// normal path already stopped the writer.
//
// If the commit itself fails partway, every partition is reverted,
// including final files this attempt had already placed, and the
// original error is returned.
func (w *Writer) Stop(success bool) (*Status, error) {
	if w.state != stateOpen {
		return w.status, nil
	}
	if err := w.check(); err != nil {
		return nil, err
	}
	w.state = stateStopping
	defer w.release()

	if !success {
		w.revertWrites()
		w.state = stateReverted
		return nil, nil
	}
	status, err := w.commitWritesAndBuildStatus()
	if err != nil {
		w.revertWrites()
		w.state = stateReverted
		return nil, err
	}
	w.status = status
	w.state = stateCommitted
	return status, nil
}

func (w *Writer) commitWritesAndBuildStatus() (*Status, error) {
	sizes := make([]int64, w.NumPartitions)
	for part, blk := range w.blocks {
		if blk == nil {
			continue
		}
		if err := blk.CommitAndClose(); err != nil {
			return nil, errorsp.WithStacksAndMessage(err, "committing partition %d failed", part)
		}
		sizes[part] = blk.Length()
	}
	if !w.ConsolidateOutputs {
		if err := w.placeBlocks(sizes); err != nil {
			return nil, err
		}
	}
	return &Status{Location: w.Location, Sizes: sizes}, nil
}

// placeBlocks publishes every nonzero partition and scrubs stale final
// files of empty ones. The existence-check-then-move sequence races with
// other attempts of the same map output, so the whole pass holds the
// shuffle's publication lock.
func (w *Writer) placeBlocks(sizes []int64) error {
	w.placed = make([]bool, w.NumPartitions)

	lk := w.locks().Of(w.ShuffleID)
	lk.Lock()
	defer lk.Unlock()

	for part := 0; part < w.NumPartitions; part++ {
		var blk Block
		if w.blocks != nil {
			blk = w.blocks[part]
		}
		exists, err := w.Publisher.Exists(w.ShuffleID, w.MapID, part)
		if err != nil {
			return errorsp.WithStacksAndMessage(err, "checking final file of partition %d failed", part)
		}
		if sizes[part] > 0 {
			if exists {
				// Another attempt for the same map output committed
				// first. Its file is the answer; this attempt's copy is
				// discarded so all attempts converge on one summary.
				n, err := w.Publisher.Length(w.ShuffleID, w.MapID, part)
				if err != nil {
					return errorsp.WithStacksAndMessage(err, "reading final length of partition %d failed", part)
				}
				sizes[part] = n
				if err := w.Publisher.Discard(blk.Path()); err != nil {
					log.Printf("discarding duplicate output of partition %d: %v", part, err)
				}
				continue
			}
			if err := w.Publisher.Place(blk.Path(), w.ShuffleID, w.MapID, part); err != nil {
				return errorsp.WithStacksAndMessage(err, "placing partition %d failed", part)
			}
			w.placed[part] = true
			continue
		}
		// An empty partition must not leave a stale nonempty artifact
		// from a previous attempt behind.
		if exists {
			if err := w.Publisher.Delete(w.ShuffleID, w.MapID, part); err != nil {
				log.Printf("deleting stale output of partition %d: %v", part, err)
			}
		}
		if blk != nil {
			if err := w.Publisher.Discard(blk.Path()); err != nil {
				log.Printf("discarding empty output of partition %d: %v", part, err)
			}
		}
	}
	return nil
}

// revertWrites discards every opened block and removes any final file
// this attempt placed. The attempt is already failing or cancelled, so
// broken streams are logged and skipped, never raised.
func (w *Writer) revertWrites() {
	for part, blk := range w.blocks {
		if blk == nil {
			continue
		}
		if err := blk.RevertAndClose(); err != nil {
			log.Printf("reverting partition %d: %v", part, err)
		}
	}
	if w.placed == nil {
		return
	}
	lk := w.locks().Of(w.ShuffleID)
	lk.Lock()
	defer lk.Unlock()
	for part, ok := range w.placed {
		if !ok {
			continue
		}
		if err := w.Publisher.Delete(w.ShuffleID, w.MapID, part); err != nil {
			log.Printf("removing placed output of partition %d: %v", part, err)
		}
		w.placed[part] = false
	}
}

// release hands the attempt's blocks back to the pool. A release error
// never changes the commit/revert outcome already reached.
func (w *Writer) release() {
	if w.Pool == nil {
		return
	}
	opened := make([]Block, 0, len(w.blocks))
	for _, blk := range w.blocks {
		if blk != nil {
			opened = append(opened, blk)
		}
	}
	if err := w.Pool.Release(opened, w.state == stateCommitted); err != nil {
		log.Printf("releasing %d blocks of shuffle %d map %d: %v",
			len(opened), w.ShuffleID, w.MapID, err)
	}
}

func (w *Writer) locks() *Locks {
	if w.Locks != nil {
		return w.Locks
	}
	return defaultLocks
}
