package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/aml-control-plane/internal/audit"
)

// Sink — референсная in-memory реализация audit.Sink для тестов и
// dev-режима без внешнего хранилища.
type Sink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func NewSink() *Sink {
	return &Sink{}
}

// WriteBatch реализует audit.Sink.
func (s *Sink) WriteBatch(_ context.Context, entries []audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// Entries возвращает копию накопленных записей.
func (s *Sink) Entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry{}, s.entries...)
}

// Len — число накопленных записей.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
