package authstate

import (
	"context"
	"sync"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore 为进程内实现，主要用于测试。
type MemoryStore struct {
	mu    sync.RWMutex
	creds json.RawMessage
	keys  map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[string]json.RawMessage{}}
}

func (s *MemoryStore) ReadCredentials(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRaw(s.creds), nil
}

func (s *MemoryStore) WriteCredentials(ctx context.Context, raw json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = cloneRaw(raw)
	return nil
}

func (s *MemoryStore) ReadKeys(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneKeys(s.keys), nil
}

func (s *MemoryStore) WriteKey(ctx context.Context, name string, raw json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[name] = cloneRaw(raw)
	return nil
}

func (s *MemoryStore) DeleteKey(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, name)
	return nil
}

func (s *MemoryStore) Replace(ctx context.Context, creds json.RawMessage, keys map[string]json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for name := range keys {
		if err := ValidateName(name); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = cloneRaw(creds)
	s.keys = cloneKeys(keys)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	s.keys = map[string]json.RawMessage{}
	return nil
}

// Empty 返回是否没有任何材料。
func (s *MemoryStore) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds == nil && len(s.keys) == 0
}

// MemoryFactory 为每个租户保留一个 MemoryStore。
type MemoryFactory struct {
	stores sync.Map // firmID -> *MemoryStore
}

var _ Factory = (*MemoryFactory)(nil)

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{}
}

func (f *MemoryFactory) ForFirm(firmID string) (Store, error) {
	return f.Get(firmID), nil
}

// Get 返回租户对应的 MemoryStore，不存在时创建。
func (f *MemoryFactory) Get(firmID string) *MemoryStore {
	actual, _ := f.stores.LoadOrStore(firmID, NewMemoryStore())
	return actual.(*MemoryStore)
}
