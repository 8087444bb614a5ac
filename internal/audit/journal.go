package audit

/*
Файл journal.go реализует асинхронный журнал аудита контрол-плейна.

Ключевые особенности архитектуры:
- Non-blocking Logging: неблокирующий канал между Hot Path (Treasury,
  Autonomy Registry) и воркером персистентности. Задержки БД не влияют
  на время принятия решения.
- Batching & Efficiency: накопление записей в памяти и пакетная запись
  (Bulk Insert) по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается
  полностью (Final Flush) через закрытие канала и sync.WaitGroup.
- Append-only: журнал только добавляет; переписывание терминальных
  записей невозможно на уровне интерфейса Sink.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// EntryKind различает, что лежит в записи журнала.
type EntryKind string

const (
	EntryTransaction  EntryKind = "transaction"
	EntryChangeRecord EntryKind = "change_record"
)

// Entry — единица журнала: снапшот транзакции или запись смены уровня.
type Entry struct {
	Kind        EntryKind
	Transaction *domain.Transaction
	Change      *domain.ChangeRecord
	At          time.Time
}

// Sink определяет, куда физически сохраняются записи журнала.
type Sink interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []Entry) error
}

// Journal — асинхронный батчер поверх Sink.
type Journal struct {
	ch     chan Entry
	sink   Sink
	logger *zap.Logger
	wg     sync.WaitGroup

	batchSize int
	interval  time.Duration

	// Атомарный флаг (0 - открыт, 1 - закрыт), чтобы поздний Record
	// после Stop не писал в закрытый канал
	isClosed int32
}

// NewJournal создает журнал. bufSize <= 0 и batchSize <= 0 заменяются
// безопасными дефолтами.
func NewJournal(sink Sink, logger *zap.Logger, bufSize, batchSize int, interval time.Duration) *Journal {
	if bufSize <= 0 {
		bufSize = 10000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Journal{
		ch:        make(chan Entry, bufSize),
		sink:      sink,
		logger:    logger.With(zap.String("mod", "audit-journal")),
		batchSize: batchSize,
		interval:  interval,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход и ждет, пока воркер допишет остатки.
func (j *Journal) Stop() {
	atomic.StoreInt32(&j.isClosed, 1)

	// Крошечная пауза, чтобы конкурирующие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// RecordTransaction ставит снапшот транзакции в очередь на запись.
func (j *Journal) RecordTransaction(tx domain.Transaction) {
	j.record(Entry{Kind: EntryTransaction, Transaction: &tx, At: time.Now()})
}

// RecordChange ставит запись смены уровня в очередь на запись.
func (j *Journal) RecordChange(rec domain.ChangeRecord) {
	j.record(Entry{Kind: EntryChangeRecord, Change: &rec, At: time.Now()})
}

func (j *Journal) record(e Entry) {
	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("audit entry dropped: journal is stopping", zap.String("kind", string(e.Kind)))
		return
	}

	// Load Shedding: при переполнении буфера теряем асинхронность,
	// но не данные — фиксируем факт в основном логгере
	select {
	case j.ch <- e:
	default:
		j.logger.Error("audit_buffer_overflow", zap.String("kind", string(e.Kind)))
	}
}

// Depth возвращает текущую заполненность буфера (для метрик).
func (j *Journal) Depth() int {
	return len(j.ch)
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Entry, 0, j.batchSize)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к моменту Stop может быть закрыт
			if err := j.sink.WriteBatch(context.Background(), batch); err != nil {
				j.logger.Error("audit flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case e, ok := <-j.ch:
			if !ok {
				// Закрытие канала в Stop() — самодостаточный сигнал:
				// воркер сначала вычитал остатки, теперь финальный flush
				flush()
				j.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
