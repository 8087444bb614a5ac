package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// stubSink собирает батчи и умеет имитировать сбой записи.
type stubSink struct {
	mu      sync.Mutex
	batches [][]Entry
	fail    bool
}

func (s *stubSink) WriteBatch(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	batch := append([]Entry{}, entries...)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *stubSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *stubSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func sampleTx(id string) domain.Transaction {
	return domain.Transaction{ID: id, Group: "g", Amount: 1, Status: domain.TxExecuted}
}

func TestJournal_FlushBySize(t *testing.T) {
	sink := &stubSink{}
	j := NewJournal(sink, zap.NewNop(), 100, 3, time.Hour) // Тикер не успеет
	j.Start()

	for i := 0; i < 3; i++ {
		j.RecordTransaction(sampleTx("tx"))
	}

	deadline := time.Now().Add(time.Second)
	for sink.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.batchCount() != 1 || sink.total() != 3 {
		t.Fatalf("batches %d total %d, want one batch of 3", sink.batchCount(), sink.total())
	}
	j.Stop()
}

func TestJournal_FlushByInterval(t *testing.T) {
	sink := &stubSink{}
	j := NewJournal(sink, zap.NewNop(), 100, 50, 20*time.Millisecond)
	j.Start()

	j.RecordChange(domain.ChangeRecord{ID: "c1", Group: "g"})

	deadline := time.Now().Add(time.Second)
	for sink.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.total() != 1 {
		t.Fatalf("interval flush did not happen, total %d", sink.total())
	}
	j.Stop()
}

func TestJournal_DrainOnStop(t *testing.T) {
	sink := &stubSink{}
	j := NewJournal(sink, zap.NewNop(), 100, 50, time.Hour)
	j.Start()

	for i := 0; i < 10; i++ {
		j.RecordTransaction(sampleTx("tx"))
	}
	j.Stop() // Должен дописать все из буфера

	if sink.total() != 10 {
		t.Fatalf("drain lost entries: got %d, want 10", sink.total())
	}
}

func TestJournal_RecordAfterStopDropped(t *testing.T) {
	sink := &stubSink{}
	j := NewJournal(sink, zap.NewNop(), 100, 50, time.Hour)
	j.Start()
	j.Stop()

	// Не должно паниковать записью в закрытый канал
	j.RecordTransaction(sampleTx("late"))
	if sink.total() != 0 {
		t.Fatalf("late record persisted: %d", sink.total())
	}
}

func TestJournal_OverflowDoesNotBlock(t *testing.T) {
	sink := &stubSink{}
	j := NewJournal(sink, zap.NewNop(), 2, 50, time.Hour)
	// Воркер не запущен — буфер заполнится и начнется load shedding

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			j.RecordTransaction(sampleTx("tx"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("record blocked on full buffer")
	}
	if got := j.Depth(); got != 2 {
		t.Errorf("buffer depth: got %d, want 2", got)
	}
}

func TestJournal_SinkFailureDoesNotStopWorker(t *testing.T) {
	sink := &stubSink{fail: true}
	j := NewJournal(sink, zap.NewNop(), 100, 1, time.Hour)
	j.Start()

	j.RecordTransaction(sampleTx("tx1"))
	time.Sleep(20 * time.Millisecond)

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	j.RecordTransaction(sampleTx("tx2"))
	deadline := time.Now().Add(time.Second)
	for sink.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.total() != 1 {
		t.Fatalf("worker died after sink failure: total %d", sink.total())
	}
	j.Stop()
}
