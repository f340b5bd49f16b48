package mapout

import (
	"sync"

	"github.com/golangplus/errors"
)

// BlockPool wraps a BlockFactory and keeps count of blocks handed out
// and taken back, so an executor can tell when an attempt leaked its
// streams. It serves as both the Blocks and the Pool of a Writer.
type BlockPool struct {
	Factory BlockFactory

	mu        sync.Mutex
	opened    int
	released  int
	committed int
}

func NewBlockPool(factory BlockFactory) *BlockPool {
	return &BlockPool{Factory: factory}
}

// BlockFactory interface
func (p *BlockPool) Open(shuffleID, mapID, attempt, part int) (Block, error) {
	blk, err := p.Factory.Open(shuffleID, mapID, attempt, part)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.opened++
	p.mu.Unlock()
	return blk, nil
}

// Release takes back an attempt's blocks. Every block is accounted for
// even if some factory misbehaved; the last error seen is returned.
func (p *BlockPool) Release(blocks []Block, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, blk := range blocks {
		if blk == nil {
			err = errorsp.NewWithStacks("releasing a nil block")
			continue
		}
		p.released++
		if success {
			p.committed++
		}
	}
	return err
}

// Outstanding returns the number of blocks opened but not yet released.
func (p *BlockPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened - p.released
}
