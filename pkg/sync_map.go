package pkg

import "sync"

// SyncMap is a typed wrapper over sync.Map with string keys.
type SyncMap[V any] struct {
	m sync.Map
}

func (s *SyncMap[V]) Store(key string, value V) {
	s.m.Store(key, value)
}

func (s *SyncMap[V]) Load(key string) (V, bool) {
	var zero V
	v, ok := s.m.Load(key)
	if !ok {
		return zero, false
	}
	return v.(V), true
}

func (s *SyncMap[V]) LoadAndDelete(key string) (V, bool) {
	var zero V
	v, ok := s.m.LoadAndDelete(key)
	if !ok {
		return zero, false
	}
	return v.(V), true
}

func (s *SyncMap[V]) Delete(key string) {
	s.m.Delete(key)
}

func (s *SyncMap[V]) Range(f func(key string, value V) bool) {
	s.m.Range(func(k, v any) bool {
		return f(k.(string), v.(V))
	})
}
