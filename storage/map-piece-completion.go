package storage

import (
	"sync"

	"github.com/anacrolix/tsunami/metainfo"
)

type PieceKey struct {
	InfoHash metainfo.Hash
	Index    int
}

type mapPieceCompletion struct {
	mu sync.Mutex
	m  map[PieceKey]bool
}

var _ PieceCompletion = (*mapPieceCompletion)(nil)

// Completion kept in memory, and so lost on exit.
func NewMapPieceCompletion() PieceCompletion {
	return &mapPieceCompletion{m: make(map[PieceKey]bool)}
}

func (*mapPieceCompletion) Close() error { return nil }

func (me *mapPieceCompletion) Get(pk PieceKey) (c Completion, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	c.Complete, c.Ok = me.m[pk]
	return
}

func (me *mapPieceCompletion) Set(pk PieceKey, b bool) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.m[pk] = b
	return nil
}
