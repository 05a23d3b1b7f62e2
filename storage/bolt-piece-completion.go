package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	boltDbCompleteValue   = "c"
	boltDbIncompleteValue = "i"
)

var completionBucketKey = []byte("completion")

type boltPieceCompletion struct {
	db *bbolt.DB
}

var _ PieceCompletion = (*boltPieceCompletion)(nil)

// Persists piece completion in a bbolt database in dir, so a restart doesn't need to fetch pieces
// again.
func NewBoltPieceCompletion(dir string) (ret PieceCompletion, err error) {
	err = os.MkdirAll(dir, dirPerm)
	if err != nil {
		return
	}
	p := filepath.Join(dir, ".tsunami.bolt.db")
	db, err := bbolt.Open(p, 0o660, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return
	}
	db.NoSync = true
	ret = &boltPieceCompletion{db}
	return
}

func boltKey(pk PieceKey) (key [24]byte) {
	copy(key[:], pk.InfoHash[:])
	binary.BigEndian.PutUint32(key[20:], uint32(pk.Index))
	return
}

func (me boltPieceCompletion) Get(pk PieceKey) (cn Completion, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(completionBucketKey)
		if cb == nil {
			return nil
		}
		key := boltKey(pk)
		switch string(cb.Get(key[:])) {
		case boltDbCompleteValue:
			cn = Completion{Complete: true, Ok: true}
		case boltDbIncompleteValue:
			cn = Completion{Complete: false, Ok: true}
		}
		return nil
	})
	return
}

func (me boltPieceCompletion) Set(pk PieceKey, b bool) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		c, err := tx.CreateBucketIfNotExists(completionBucketKey)
		if err != nil {
			return err
		}
		key := boltKey(pk)
		return c.Put(key[:], []byte(func() string {
			if b {
				return boltDbCompleteValue
			} else {
				return boltDbIncompleteValue
			}
		}()))
	})
}

func (me *boltPieceCompletion) Close() error {
	return me.db.Close()
}
