package ride

import (
	"hash/fnv"
	"sync"
)

const lockShards = 32

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// Locks is a mutex per ride id. Entries live only while someone holds or waits
// on them, and the bookkeeping is sharded so unrelated rides never contend.
type Locks struct {
	shards [lockShards]lockShard
}

func NewLocks() *Locks {
	l := &Locks{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*keyLock)
	}
	return l
}

func (l *Locks) shard(key string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%lockShards]
}

// Lock blocks until the caller owns key and returns the matching unlock.
func (l *Locks) Lock(key string) func() {
	s := l.shard(key)
	s.mu.Lock()
	k, ok := s.locks[key]
	if !ok {
		k = &keyLock{}
		s.locks[key] = k
	}
	k.refs++
	s.mu.Unlock()

	k.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Unlock()
			s.mu.Lock()
			k.refs--
			if k.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// held reports how many callers own or wait on key.
func (l *Locks) held(key string) int {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.locks[key]; ok {
		return k.refs
	}
	return 0
}
