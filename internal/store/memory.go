package store

import (
	"context"
	"sync"

	"cryptotrader/internal/core"
)

// MemoryStore is the in-process implementation used by tests and by runs
// configured without Redis. Publish fans out to subscribed channels.
type MemoryStore struct {
	mu          sync.RWMutex
	balance     core.Balance
	hasBalance  bool
	signal      core.Signal
	hasSignal   bool
	lastOrder   core.OrderResult
	hasOrder    bool
	results     map[string]core.OrderResult
	subscribers []chan core.Signal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]core.OrderResult)}
}

func (s *MemoryStore) SaveBalance(_ context.Context, bal core.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = bal
	s.hasBalance = true
	return nil
}

func (s *MemoryStore) LoadBalance(_ context.Context) (core.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasBalance {
		return core.Balance{}, ErrNotFound
	}
	return s.balance, nil
}

func (s *MemoryStore) SaveOrderResult(_ context.Context, clientOID string, res core.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[clientOID] = res
	s.lastOrder = res
	s.hasOrder = true
	return nil
}

func (s *MemoryStore) LoadOrderResult(_ context.Context, clientOID string) (core.OrderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[clientOID]
	if !ok {
		return core.OrderResult{}, ErrNotFound
	}
	return res, nil
}

func (s *MemoryStore) LoadLastOrder(_ context.Context) (core.OrderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasOrder {
		return core.OrderResult{}, ErrNotFound
	}
	return s.lastOrder, nil
}

func (s *MemoryStore) SaveSignal(_ context.Context, sig core.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = sig
	s.hasSignal = true
	return nil
}

func (s *MemoryStore) LoadSignal(_ context.Context) (core.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasSignal {
		return core.Signal{}, ErrNotFound
	}
	return s.signal, nil
}

func (s *MemoryStore) PublishSignal(_ context.Context, sig core.Signal) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving future published signals.
func (s *MemoryStore) Subscribe() <-chan core.Signal {
	ch := make(chan core.Signal, 16)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}
