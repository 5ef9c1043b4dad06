package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"raftcore/internal/raft"
)

var (
	metadataBucket = []byte("metadata")

	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
)

// BboltStore is a bbolt-backed raft.NodeStore. Term and vote survive
// restarts; bbolt commits each update transaction to disk before returning,
// which gives the write-before-reply guarantee the vote rules need.
type BboltStore struct {
	conn *bbolt.DB
}

// NewBboltStore opens (or creates) the store at path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{conn: db}, nil
}

func (b *BboltStore) GetTerm() (uint64, error) {
	var term uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(currentTermKey)
		if data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

func (b *BboltStore) SetTerm(term uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(term))
	})
}

func (b *BboltStore) GetVotedFor() (raft.NodeId, error) {
	var votedFor raft.NodeId
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(votedForKey)
		if data != nil {
			votedFor = raft.NodeId(data)
		}
		return nil
	})
	return votedFor, err
}

func (b *BboltStore) SetVotedFor(votedFor raft.NodeId) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if votedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

// SetTermAndVotedFor writes both values in one transaction, so a crash
// cannot leave a new term paired with a stale vote.
func (b *BboltStore) SetTermAndVotedFor(term uint64, votedFor raft.NodeId) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		if votedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

func (b *BboltStore) Close() error {
	return b.conn.Close()
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
