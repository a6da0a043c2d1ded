package blockdb

import (
	"bytes"
	"sort"
	"sync"
)

// kvTx is one read or read-write transaction over named buckets. Slices
// returned by get and passed to iteration callbacks are only valid until
// the transaction ends.
type kvTx interface {
	get(bucket, key []byte) []byte
	put(bucket, key, value []byte) error
	del(bucket, key []byte) error
	// ascend visits keys >= from in ascending order until fn returns false.
	ascend(bucket, from []byte, fn func(k, v []byte) (bool, error)) error
	// descend visits keys <= from in descending order until fn returns
	// false. A nil from starts at the last key.
	descend(bucket, from []byte, fn func(k, v []byte) (bool, error)) error
	count(bucket []byte) int
}

// kvStore is the storage engine under DB. A write batch spans every
// update until it is stopped or aborted.
type kvStore interface {
	view(fn func(kvTx) error) error
	update(fn func(kvTx) error) error
	batchStart() error
	batchStop() error
	batchAbort() error
	sync() error
	close() error
}

// memStore keeps every bucket in sorted maps. Updates run on a copy that
// replaces the live state on success, so a failed update or an aborted
// batch leaves nothing behind.
type memStore struct {
	mu    sync.RWMutex
	state memState
	// batch is the working copy while a batch is active.
	batch memState
}

type memState map[string]map[string][]byte

func (s memState) clone() memState {
	out := make(memState, len(s))
	for name, b := range s {
		nb := make(map[string][]byte, len(b))
		for k, v := range b {
			nb[k] = v
		}
		out[name] = nb
	}
	return out
}

func newMemStore() *memStore {
	return &memStore{state: memState{}}
}

type memTx struct {
	state memState
}

func (t *memTx) get(bucket, key []byte) []byte {
	return t.state[string(bucket)][string(key)]
}

func (t *memTx) put(bucket, key, value []byte) error {
	b, ok := t.state[string(bucket)]
	if !ok {
		b = make(map[string][]byte)
		t.state[string(bucket)] = b
	}
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) del(bucket, key []byte) error {
	delete(t.state[string(bucket)], string(key))
	return nil
}

func (t *memTx) sortedKeys(bucket []byte) []string {
	b := t.state[string(bucket)]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *memTx) ascend(bucket, from []byte, fn func(k, v []byte) (bool, error)) error {
	b := t.state[string(bucket)]
	for _, k := range t.sortedKeys(bucket) {
		if bytes.Compare([]byte(k), from) < 0 {
			continue
		}
		more, err := fn([]byte(k), b[k])
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t *memTx) descend(bucket, from []byte, fn func(k, v []byte) (bool, error)) error {
	b := t.state[string(bucket)]
	keys := t.sortedKeys(bucket)
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		if from != nil && bytes.Compare([]byte(k), from) > 0 {
			continue
		}
		more, err := fn([]byte(k), b[k])
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t *memTx) count(bucket []byte) int {
	return len(t.state[string(bucket)])
}

func (s *memStore) view(fn func(kvTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.state
	if s.batch != nil {
		state = s.batch
	}
	return fn(&memTx{state: state})
}

func (s *memStore) update(fn func(kvTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return fn(&memTx{state: s.batch})
	}
	work := s.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) batchStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return ErrBatchActive
	}
	s.batch = s.state.clone()
	return nil
}

func (s *memStore) batchStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return ErrNoBatch
	}
	s.state, s.batch = s.batch, nil
	return nil
}

func (s *memStore) batchAbort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return ErrNoBatch
	}
	s.batch = nil
	return nil
}

func (s *memStore) sync() error  { return nil }
func (s *memStore) close() error { return nil }
