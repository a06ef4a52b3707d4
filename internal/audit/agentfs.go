package audit

/*
Файл agentfs.go реализует журнал команд (Command Log) — append-only хранилище
жизненного цикла каждой подписанной команды.

Ключевые особенности:
- Non-blocking Logging: события из пайплайна диспетчера уходят в буферизованный канал,
  задержки записи в БД не влияют на время исполнения шагов.
- Batching: накопление записей и пакетная запись по таймеру или по размеру пачки.
- Tamper Evidence: каждая запись связана с предыдущей записью того же выполнения
  через SHA-256 (PrevHash -> Hash). Цепочка считается в момент Append под мьютексом.
- No Drops: журнал — источник правды для аудита, поэтому при переполнении буфера
  или после Stop запись уходит синхронно, а не выбрасывается.
- Drain Pattern: Stop закрывает канал и ждет, пока воркер допишет остатки.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются записи
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, entries []domain.CommandLogEntry) error
}

// Auditor — то, что нужно диспетчеру от журнала
type Auditor interface {
	Append(entry domain.CommandLogEntry) domain.CommandLogEntry
	Seal(executionID string)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	FlushAttempts uint
	BufferGauge   prometheus.Gauge // Заполненность буфера (backpressure), может быть nil
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	if o.FlushAttempts == 0 {
		o.FlushAttempts = 3
	}
}

type chainState struct {
	seq  int64
	head string
}

type AgentFS struct {
	ch     chan domain.CommandLogEntry
	repo   StorageInterface
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	chainMu sync.Mutex
	chains  map[string]*chainState // execution_id -> голова цепочки

	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewAgentFS(repo StorageInterface, logger *zap.Logger, opts Options) *AgentFS {
	opts.setDefaults()
	return &AgentFS{
		ch:     make(chan domain.CommandLogEntry, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "agentfs")),
		opts:   opts,
		chains: make(map[string]*chainState),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.chainMu.Lock()
	if !atomic.CompareAndSwapInt32(&fs.isClosed, 0, 1) {
		fs.chainMu.Unlock()
		return
	}
	// Закрываем под тем же мьютексом, что и отправка в канал: гонки с Append нет
	close(fs.ch)
	fs.chainMu.Unlock()

	fs.logger.Info("stopping command log: flushing buffer...")
	fs.wg.Wait()
	fs.logger.Info("command log stopped gracefully")
}

// Append проставляет ID, порядковый номер и хеш-цепочку, затем ставит запись в очередь.
// Возвращает запись в том виде, в каком она будет сохранена.
func (fs *AgentFS) Append(entry domain.CommandLogEntry) domain.CommandLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Millisecond)

	fs.chainMu.Lock()
	st := fs.chains[entry.ExecutionID]
	if st == nil {
		st = &chainState{}
		fs.chains[entry.ExecutionID] = st
	}
	st.seq++
	entry.Seq = st.seq
	entry.PrevHash = st.head
	entry.Hash = HashEntry(entry)
	st.head = entry.Hash

	// Отправка в канал под мьютексом: Stop не закроет его между проверкой флага и send
	reason := ""
	if atomic.LoadInt32(&fs.isClosed) == 1 {
		reason = "command log is stopped"
	} else {
		select {
		case fs.ch <- entry:
		default:
			// Буфер переполнен: журнал не теряем, пишем напрямую
			reason = "command log buffer overflow"
		}
	}
	fs.chainMu.Unlock()

	// Медленная запись одного выполнения не держит цепочки остальных
	if reason != "" {
		fs.writeSync(entry, reason)
	}
	return entry
}

// Seal освобождает голову цепочки завершенного выполнения
func (fs *AgentFS) Seal(executionID string) {
	fs.chainMu.Lock()
	delete(fs.chains, executionID)
	fs.chainMu.Unlock()
}

func (fs *AgentFS) writeSync(entry domain.CommandLogEntry, reason string) {
	fs.logger.Warn(reason+", writing synchronously",
		zap.String("request_id", entry.RequestID),
		zap.String("execution_id", entry.ExecutionID),
	)
	if err := fs.writeWithRetry([]domain.CommandLogEntry{entry}); err != nil {
		fs.logger.Error("command log sync write failed", zap.String("id", entry.ID), zap.Error(err))
	}
}

func (fs *AgentFS) writeWithRetry(batch []domain.CommandLogEntry) error {
	// Используем Background, так как основной контекст может быть уже закрыт
	ctx := context.Background()
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(fs.opts.FlushAttempts),
		retry.DelayType(retry.BackOffDelay),
	)
	return r.Do(func() error {
		return fs.repo.WriteBatch(ctx, batch)
	})
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]domain.CommandLogEntry, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := fs.writeWithRetry(batch); err != nil {
			fs.logger.Error("command log flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = make([]domain.CommandLogEntry, 0, fs.opts.BatchSize)
	}

	for {
		select {
		case entry, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, финальный сброс
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			if fs.opts.BufferGauge != nil {
				fs.opts.BufferGauge.Set(float64(len(fs.ch)))
			}
			flush()
		}
	}
}
