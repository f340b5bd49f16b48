package mapout

import (
	"hash/fnv"

	"github.com/golangplus/bytes"

	"github.com/itzzy/shuf"
)

// A func type implementing Partitioner.
type PartitionerFunc func(key shuf.DataWriter) int

// Partitioner interface
func (f PartitionerFunc) Partition(key shuf.DataWriter) int {
	return f(key)
}

// HashPartitioner routes a key by the fnv-32a hash of its encoding.
type HashPartitioner struct {
	Parts int
}

// Partitioner interface
func (p HashPartitioner) Partition(key shuf.DataWriter) int {
	var buf bytesp.Slice
	key.WriteTo(&buf)
	h := fnv.New32a()
	h.Write(buf)
	return int(h.Sum32() % uint32(p.Parts))
}

// KV is a key/value pair.
type KV struct {
	Key, Val shuf.DataWriter
}

// IterKVs returns a RecordIterator over a slice of pairs.
func IterKVs(kvs []KV) RecordIterator {
	i := 0
	return func() (shuf.DataWriter, shuf.DataWriter, error) {
		if i >= len(kvs) {
			return nil, nil, shuf.EOF
		}
		p := kvs[i]
		i++
		return p.Key, p.Val, nil
	}
}

// A func type implementing Combiner.
type CombinerFunc func(records RecordIterator) (RecordIterator, error)

// Combiner interface
func (f CombinerFunc) Combine(records RecordIterator) (RecordIterator, error) {
	return f(records)
}

// A func type implementing BlockFactory.
type BlockFactoryF func(shuffleID, mapID, attempt, part int) (Block, error)

// BlockFactory interface
func (f BlockFactoryF) Open(shuffleID, mapID, attempt, part int) (Block, error) {
	return f(shuffleID, mapID, attempt, part)
}

// A func type implementing Pool.
type PoolF func(blocks []Block, success bool) error

// Pool interface
func (f PoolF) Release(blocks []Block, success bool) error {
	return f(blocks, success)
}

// BlockStruct is a struct whose pointer implements Block by funcs.
type BlockStruct struct {
	CollectF        func(key, val shuf.DataWriter) error
	CommitAndCloseF func() error
	RevertAndCloseF func() error
	LengthF         func() int64
	PathF           func() shuf.FsPath
}

func (b *BlockStruct) Collect(key, val shuf.DataWriter) error {
	if b.CollectF != nil {
		return b.CollectF(key, val)
	}
	return nil
}

func (b *BlockStruct) CommitAndClose() error {
	if b.CommitAndCloseF != nil {
		return b.CommitAndCloseF()
	}
	return nil
}

func (b *BlockStruct) RevertAndClose() error {
	if b.RevertAndCloseF != nil {
		return b.RevertAndCloseF()
	}
	return nil
}

func (b *BlockStruct) Length() int64 {
	if b.LengthF != nil {
		return b.LengthF()
	}
	return 0
}

func (b *BlockStruct) Path() shuf.FsPath {
	if b.PathF != nil {
		return b.PathF()
	}
	return shuf.FsPath{}
}

// PublisherStruct is a struct whose pointer implements Publisher by funcs.
type PublisherStruct struct {
	ExistsF  func(shuffleID, mapID, part int) (bool, error)
	LengthF  func(shuffleID, mapID, part int) (int64, error)
	PlaceF   func(temp shuf.FsPath, shuffleID, mapID, part int) error
	DiscardF func(temp shuf.FsPath) error
	DeleteF  func(shuffleID, mapID, part int) error
}

func (p *PublisherStruct) Exists(shuffleID, mapID, part int) (bool, error) {
	if p.ExistsF != nil {
		return p.ExistsF(shuffleID, mapID, part)
	}
	return false, nil
}

func (p *PublisherStruct) Length(shuffleID, mapID, part int) (int64, error) {
	if p.LengthF != nil {
		return p.LengthF(shuffleID, mapID, part)
	}
	return 0, nil
}

func (p *PublisherStruct) Place(temp shuf.FsPath, shuffleID, mapID, part int) error {
	if p.PlaceF != nil {
		return p.PlaceF(temp, shuffleID, mapID, part)
	}
	return nil
}

func (p *PublisherStruct) Discard(temp shuf.FsPath) error {
	if p.DiscardF != nil {
		return p.DiscardF(temp)
	}
	return nil
}

func (p *PublisherStruct) Delete(shuffleID, mapID, part int) error {
	if p.DeleteF != nil {
		return p.DeleteF(shuffleID, mapID, part)
	}
	return nil
}
