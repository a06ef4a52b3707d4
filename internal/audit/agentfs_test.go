package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"go.uber.org/zap"
)

type fakeRepo struct {
	mu      sync.Mutex
	entries []domain.CommandLogEntry
	batches int
	failN   int
}

func (r *fakeRepo) WriteBatch(_ context.Context, entries []domain.CommandLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("db unavailable")
	}
	r.batches++
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *fakeRepo) all() []domain.CommandLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CommandLogEntry(nil), r.entries...)
}

func entry(exec, req string, ev domain.CommandEvent) domain.CommandLogEntry {
	return domain.CommandLogEntry{
		ExecutionID: exec,
		RequestID:   req,
		Capability:  "send",
		Event:       ev,
		Args:        map[string]any{"to": "bob@example.com", "n": 3},
	}
}

func TestAppendBuildsPerExecutionChain(t *testing.T) {
	repo := &fakeRepo{}
	fs := NewAgentFS(repo, zap.NewNop(), Options{FlushInterval: 10 * time.Millisecond})
	fs.Start()

	a1 := fs.Append(entry("exec-a", "r1", domain.EventIssued))
	b1 := fs.Append(entry("exec-b", "r2", domain.EventIssued))
	a2 := fs.Append(entry("exec-a", "r1", domain.EventDispatched))

	assert.Equal(t, int64(1), a1.Seq)
	assert.Equal(t, int64(1), b1.Seq)
	assert.Equal(t, int64(2), a2.Seq)
	assert.Empty(t, a1.PrevHash)
	assert.Equal(t, a1.Hash, a2.PrevHash)
	assert.NotEmpty(t, a1.ID)

	fs.Stop()

	got := repo.all()
	require.Len(t, got, 3)
	var chainA []domain.CommandLogEntry
	for _, e := range got {
		if e.ExecutionID == "exec-a" {
			chainA = append(chainA, e)
		}
	}
	require.NoError(t, VerifyChain(chainA))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	fs := NewAgentFS(&fakeRepo{}, zap.NewNop(), Options{})
	var chain []domain.CommandLogEntry
	for _, ev := range []domain.CommandEvent{domain.EventIssued, domain.EventDispatched, domain.EventSucceeded} {
		chain = append(chain, fs.Append(entry("exec-1", "r1", ev)))
	}
	require.NoError(t, VerifyChain(chain))

	t.Run("modified", func(t *testing.T) {
		c := append([]domain.CommandLogEntry(nil), chain...)
		c[1].Error = "rewritten"
		assert.Error(t, VerifyChain(c))
	})
	t.Run("deleted", func(t *testing.T) {
		c := []domain.CommandLogEntry{chain[0], chain[2]}
		assert.Error(t, VerifyChain(c))
	})
	t.Run("order independent input", func(t *testing.T) {
		c := []domain.CommandLogEntry{chain[2], chain[0], chain[1]}
		assert.NoError(t, VerifyChain(c))
	})
}

func TestOverflowWritesSynchronously(t *testing.T) {
	repo := &fakeRepo{}
	// Воркер не запущен: буфер на одну запись, вторая уходит напрямую
	fs := NewAgentFS(repo, zap.NewNop(), Options{BufferSize: 1})

	fs.Append(entry("exec-1", "r1", domain.EventIssued))
	fs.Append(entry("exec-1", "r1", domain.EventDispatched))
	assert.Len(t, repo.all(), 1)

	fs.Start()
	fs.Stop()
	assert.Len(t, repo.all(), 2)
}

func TestAppendAfterStopIsNotLost(t *testing.T) {
	repo := &fakeRepo{}
	fs := NewAgentFS(repo, zap.NewNop(), Options{})
	fs.Start()
	fs.Stop()
	fs.Stop()

	fs.Append(entry("exec-1", "r1", domain.EventCancelled))
	assert.Len(t, repo.all(), 1)
}

func TestFlushRetriesTransientErrors(t *testing.T) {
	repo := &fakeRepo{failN: 2}
	fs := NewAgentFS(repo, zap.NewNop(), Options{FlushAttempts: 3})
	fs.Start()
	fs.Append(entry("exec-1", "r1", domain.EventIssued))
	fs.Stop()
	assert.Len(t, repo.all(), 1)
}

func TestSealResetsChain(t *testing.T) {
	fs := NewAgentFS(&fakeRepo{}, zap.NewNop(), Options{})
	fs.Append(entry("exec-1", "r1", domain.EventIssued))
	fs.Seal("exec-1")
	e := fs.Append(entry("exec-1", "r2", domain.EventIssued))
	assert.Equal(t, int64(1), e.Seq)
}

func TestHashSurvivesTimestampPrecisionLoss(t *testing.T) {
	fs := NewAgentFS(&fakeRepo{}, zap.NewNop(), Options{})
	e := fs.Append(entry("exec-1", "r1", domain.EventIssued))
	e.Timestamp = e.Timestamp.Local()
	assert.Equal(t, e.Hash, HashEntry(e))
}

// slowRepo подвисает на записях одного выполнения, пока не закрыт release
type slowRepo struct {
	fakeRepo
	slowExec string
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (r *slowRepo) WriteBatch(ctx context.Context, entries []domain.CommandLogEntry) error {
	for _, e := range entries {
		if e.ExecutionID == r.slowExec {
			r.once.Do(func() { close(r.entered) })
			<-r.release
			break
		}
	}
	return r.fakeRepo.WriteBatch(ctx, entries)
}

func TestSyncOverflowWriteDoesNotBlockOtherExecutions(t *testing.T) {
	repo := &slowRepo{slowExec: "exec-slow", entered: make(chan struct{}), release: make(chan struct{})}
	// Воркер не запущен: после первой записи буфер заполнен
	fs := NewAgentFS(repo, zap.NewNop(), Options{BufferSize: 1, FlushInterval: 10 * time.Millisecond})

	fs.Append(entry("exec-a", "r1", domain.EventIssued))

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		fs.Append(entry("exec-slow", "r2", domain.EventIssued))
	}()
	select {
	case <-repo.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("overflow write did not reach the store")
	}

	otherDone := make(chan domain.CommandLogEntry, 1)
	go func() { otherDone <- fs.Append(entry("exec-b", "r3", domain.EventIssued)) }()

	select {
	case got := <-otherDone:
		assert.Equal(t, int64(1), got.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("append for another execution blocked behind a slow sync write")
	}

	close(repo.release)
	<-slowDone
	fs.Start()
	fs.Stop()

	got := repo.all()
	require.Len(t, got, 3)
	seen := map[string]bool{}
	for _, e := range got {
		seen[e.ExecutionID] = true
	}
	assert.True(t, seen["exec-a"] && seen["exec-slow"] && seen["exec-b"])
}
