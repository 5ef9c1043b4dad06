package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// KVStateMachine is a key-value store implementing the StateMachine
// interface. Commands are "SET key=value" or "DEL key".
type KVStateMachine struct {
	mu          sync.RWMutex
	store       map[string]string
	lastApplied uint64
	id          string
}

// NewKVStateMachine creates an empty key-value state machine. The id is
// only used in log lines.
func NewKVStateMachine(id string) *KVStateMachine {
	return &KVStateMachine{
		store: make(map[string]string),
		id:    id,
	}
}

func (kv *KVStateMachine) ApplyLog(index uint64, command []byte) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if index <= kv.lastApplied {
		return
	}
	kv.lastApplied = index

	parts := strings.Fields(string(command))
	if len(parts) == 0 {
		return
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) >= 2 {
			pair := strings.SplitN(parts[1], "=", 2)
			if len(pair) == 2 {
				kv.store[pair[0]] = pair[1]
				log.Debugf("node %s, applied SET %s=%s (index %d)", kv.id, pair[0], pair[1], index)
			}
		}
	case "DEL":
		if len(parts) >= 2 {
			delete(kv.store, parts[1])
			log.Debugf("node %s, applied DEL %s (index %d)", kv.id, parts[1], index)
		}
	default:
		log.Warnf("node %s, unknown command %q (index %d)", kv.id, string(command), index)
	}
}

// ApplySnapshot replaces the store with the gob-encoded map in data.
func (kv *KVStateMachine) ApplySnapshot(lastIncludedIndex uint64, data []byte) error {
	store := make(map[string]string)
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&store); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.store = store
	kv.lastApplied = lastIncludedIndex
	log.Debugf("node %s, applied snapshot up to index %d", kv.id, lastIncludedIndex)
	return nil
}

func (kv *KVStateMachine) LastApplied() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastApplied
}

// Get returns the value for key and whether it exists.
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.store[key]
	return v, ok
}

// Snapshot encodes the current store as a gob map, paired with
// ApplySnapshot on the receiving side.
func (kv *KVStateMachine) Snapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(kv.store); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
