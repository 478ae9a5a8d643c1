// Package keylock 按键互斥：同一个键串行，不同键互不阻塞
package keylock

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

type entry struct {
	ch   chan struct{}
	refs int
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// KeyLock 分片的按键锁，锁对象在无人持有或等待时被回收
type KeyLock struct {
	shards []*shard
}

// New 创建按键锁，shards<=0 使用默认分片数
func New(shards int) *KeyLock {
	if shards <= 0 {
		shards = defaultShards
	}
	kl := &KeyLock{shards: make([]*shard, shards)}
	for i := range kl.shards {
		kl.shards[i] = &shard{locks: make(map[string]*entry)}
	}
	return kl
}

func (kl *KeyLock) shardFor(key string) *shard {
	return kl.shards[xxhash.Sum64String(key)%uint64(len(kl.shards))]
}

func (kl *KeyLock) acquire(key string) (*shard, *entry) {
	s := kl.shardFor(key)
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()
	return s, e
}

func (kl *KeyLock) release(s *shard, key string, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Lock 获取键上的锁，ctx 取消时放弃等待；返回的 unlock 只能调用一次
func (kl *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	s, e := kl.acquire(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		kl.release(s, key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			kl.release(s, key, e)
		})
	}, nil
}

// Do 在持有键锁期间执行 fn
func (kl *KeyLock) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := kl.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len 当前被持有或等待的键数量
func (kl *KeyLock) Len() int {
	n := 0
	for _, s := range kl.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
