package service

import (
	"sync"
)

// Signal 类型化的信号，监听者按注册顺序同步调用
type Signal[T any] struct {
	mu        sync.RWMutex
	next      int
	listeners []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// On 注册监听者，返回取消函数
func (s *Signal[T]) On(fn func(T)) (off func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	s.listeners = append(s.listeners, listener[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit 通知所有监听者。监听者可在回调中注册或注销
func (s *Signal[T]) Emit(v T) {
	s.mu.RLock()
	snapshot := make([]listener[T], len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

// Len 当前监听者数量
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}
