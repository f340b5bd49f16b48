package mapout

import (
	"fmt"
	"sync"

	"github.com/golangplus/errors"
	"github.com/google/uuid"

	"github.com/itzzy/shuf"
	"github.com/itzzy/shuf/kv"
)

func blockName(shuffleID, mapID, part int) string {
	return fmt.Sprintf("shuffle_%d_%d_%d", shuffleID, mapID, part)
}

// DiskBlockFactory opens blocks as kv files under Root. Temporary names
// carry the attempt number and a random suffix so that speculative
// attempts for the same map output never collide before publication.
type DiskBlockFactory struct {
	Root shuf.FsPath
}

// BlockFactory interface
func (f DiskBlockFactory) Open(shuffleID, mapID, attempt, part int) (Block, error) {
	if err := f.Root.Mkdir(0755); err != nil {
		return nil, errorsp.WithStacks(err)
	}
	fp := f.Root.Join(fmt.Sprintf("%s.%d-%s",
		blockName(shuffleID, mapID, part), attempt, uuid.NewString()))
	writer, err := kv.NewWriter(fp)
	if err != nil {
		return nil, errorsp.WithStacks(err)
	}
	return &diskBlock{fp: fp, writer: writer}, nil
}

type diskBlock struct {
	fp     shuf.FsPath
	writer *kv.Writer
	length int64
	closed bool
}

// shuf.Collector interface
func (b *diskBlock) Collect(key, val shuf.DataWriter) error {
	return b.writer.Collect(key, val)
}

// CommitAndClose flushes and closes the file, then reads the length back
// from the file system and cross-checks it against the bytes counted on
// the way down. A mismatch means the sink lost data and fails the
// commit.
func (b *diskBlock) CommitAndClose() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.writer.Close(); err != nil {
		return errorsp.WithStacks(err)
	}
	fi, err := b.fp.Stat()
	if err != nil {
		return errorsp.WithStacks(err)
	}
	if fi.Size() != b.writer.Written() {
		return errorsp.NewWithStacks("committing %s: %d bytes on disk, %d written",
			b.fp.Path, fi.Size(), b.writer.Written())
	}
	b.length = fi.Size()
	return nil
}

// RevertAndClose closes the file if still open and removes it. Removing
// an already-published or already-discarded file is a no-op.
func (b *diskBlock) RevertAndClose() error {
	var closeErr error
	if !b.closed {
		b.closed = true
		closeErr = b.writer.Close()
	}
	if err := b.fp.Remove(); err != nil {
		return errorsp.WithStacks(err)
	}
	return errorsp.WithStacks(closeErr)
}

func (b *diskBlock) Length() int64 {
	return b.length
}

func (b *diskBlock) Path() shuf.FsPath {
	return b.fp
}

// FsPublisher publishes committed blocks as files named
// shuffle_<shuffle>_<map>_<part> under Dir, moving them into place with
// a rename.
type FsPublisher struct {
	Dir shuf.FsPath
}

func (p FsPublisher) final(shuffleID, mapID, part int) shuf.FsPath {
	return p.Dir.Join(blockName(shuffleID, mapID, part))
}

// Publisher interface
func (p FsPublisher) Exists(shuffleID, mapID, part int) (bool, error) {
	ok, err := p.final(shuffleID, mapID, part).Exists()
	return ok, errorsp.WithStacks(err)
}

// Publisher interface
func (p FsPublisher) Length(shuffleID, mapID, part int) (int64, error) {
	fi, err := p.final(shuffleID, mapID, part).Stat()
	if err != nil {
		return 0, errorsp.WithStacks(err)
	}
	return fi.Size(), nil
}

// Publisher interface
func (p FsPublisher) Place(temp shuf.FsPath, shuffleID, mapID, part int) error {
	if err := p.Dir.Mkdir(0755); err != nil {
		return errorsp.WithStacks(err)
	}
	return errorsp.WithStacks(temp.Rename(p.final(shuffleID, mapID, part)))
}

// Publisher interface
func (p FsPublisher) Discard(temp shuf.FsPath) error {
	return errorsp.WithStacks(temp.Remove())
}

// Publisher interface
func (p FsPublisher) Delete(shuffleID, mapID, part int) error {
	return errorsp.WithStacks(p.final(shuffleID, mapID, part).Remove())
}

// Locks is a registry of per-shuffle publication mutexes, shared by all
// attempts writing into the same shuffle namespace.
type Locks struct {
	sync.RWMutex
	locks map[int]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{
		locks: make(map[int]*sync.Mutex),
	}
}

// Of returns the mutex of a shuffle, creating it on first use.
func (l *Locks) Of(shuffleID int) *sync.Mutex {
	l.RLock()
	lk, ok := l.locks[shuffleID]
	l.RUnlock()
	if !ok {
		l.Lock()
		lk, ok = l.locks[shuffleID]
		if !ok {
			lk = new(sync.Mutex)
			l.locks[shuffleID] = lk
		}
		l.Unlock()
	}
	return lk
}
