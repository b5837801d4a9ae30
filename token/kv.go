package token

import (
  "sync"
)

// KV is a key-value area scoped to this application. Delete of a missing key is not an error.
type KV interface {
  Get(key string) (value []byte, found bool, err error)
  Put(key string, value []byte) error
  Delete(key string) error
}

type MemoryKV struct {
  mu sync.RWMutex
  m map[string][]byte
}

func NewMemoryKV() *MemoryKV {
  return &MemoryKV{m: make(map[string][]byte)}
}

func (kv *MemoryKV) Get(key string) ([]byte, bool, error) {
  kv.mu.RLock()
  defer kv.mu.RUnlock()

  v, ok := kv.m[key]

  return v, ok, nil
}

func (kv *MemoryKV) Put(key string, value []byte) error {
  kv.mu.Lock()
  defer kv.mu.Unlock()

  kv.m[key] = append([]byte(nil), value...)

  return nil
}

func (kv *MemoryKV) Delete(key string) error {
  kv.mu.Lock()
  defer kv.mu.Unlock()

  delete(kv.m, key)

  return nil
}
