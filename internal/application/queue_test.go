package application

import (
	"context"
	"testing"
	"time"

	"flappysomnia/internal/domain"
)

type mockQueueStore struct {
	saved   [][]domain.TransactionRecord
	initial []domain.TransactionRecord
	loadErr error
}

func (m *mockQueueStore) SaveQueue(ctx context.Context, records []domain.TransactionRecord) error {
	snapshot := make([]domain.TransactionRecord, len(records))
	copy(snapshot, records)
	m.saved = append(m.saved, snapshot)
	return nil
}

func (m *mockQueueStore) LoadQueue(ctx context.Context) ([]domain.TransactionRecord, error) {
	return m.initial, m.loadErr
}

type mockSink struct {
	published []domain.TransactionRecord
}

func (m *mockSink) PublishTxUpdate(ctx context.Context, record domain.TransactionRecord) error {
	m.published = append(m.published, record)
	return nil
}

func TestQueue_EnqueueAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := &mockQueueStore{}
	sink := &mockSink{}
	queue, err := NewQueue(ctx, store, sink, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	queue.Enqueue(ctx, domain.TransactionRecord{
		ID:   "start-1",
		Kind: domain.TxKindStartGame,
	})
	if !queue.IsPending() {
		t.Error("expected pending after enqueue")
	}
	if queue.CanSubmit(domain.TxKindEndGame) {
		t.Error("expected submit blocked while a record is pending")
	}

	confirmed := domain.TxStatusConfirmed
	hash := "0xabc"
	if !queue.Update(ctx, "start-1", RecordPatch{Status: &confirmed, ChainHash: &hash}) {
		t.Fatal("update should find the record")
	}
	if queue.IsPending() {
		t.Error("expected not pending after confirmation")
	}

	records := queue.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != domain.TxStatusConfirmed || records[0].ChainHash != "0xabc" {
		t.Errorf("unexpected record after update: %+v", records[0])
	}
	if len(sink.published) != 2 {
		t.Errorf("expected 2 published events, got %d", len(sink.published))
	}
	if len(store.saved) != 2 {
		t.Errorf("expected 2 persisted snapshots, got %d", len(store.saved))
	}
}

func TestQueue_ConfirmedNeverReturnsToPending(t *testing.T) {
	ctx := context.Background()
	queue, err := NewQueue(ctx, &mockQueueStore{}, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	queue.Enqueue(ctx, domain.TransactionRecord{
		ID:     "end-1",
		Kind:   domain.TxKindEndGame,
		Status: domain.TxStatusConfirmed,
	})

	pending := domain.TxStatusPending
	hash := "0xlate"
	queue.Update(ctx, "end-1", RecordPatch{Status: &pending, ChainHash: &hash})

	records := queue.Records()
	if records[0].Status != domain.TxStatusConfirmed {
		t.Errorf("confirmed record regressed to %s", records[0].Status)
	}
	// The rest of the patch still merges.
	if records[0].ChainHash != "0xlate" {
		t.Errorf("expected hash to merge, got %q", records[0].ChainHash)
	}
}

func TestQueue_UpdateUnknownRecord(t *testing.T) {
	ctx := context.Background()
	queue, err := NewQueue(ctx, &mockQueueStore{}, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	confirmed := domain.TxStatusConfirmed
	if queue.Update(ctx, "missing", RecordPatch{Status: &confirmed}) {
		t.Error("update of unknown record should report false")
	}
}

func TestQueue_LoadFailureStartsEmpty(t *testing.T) {
	ctx := context.Background()
	store := &mockQueueStore{loadErr: context.DeadlineExceeded}
	queue, err := NewQueue(ctx, store, nil, nil)
	if err != nil {
		t.Fatalf("load failure must not be fatal: %v", err)
	}
	if len(queue.Records()) != 0 {
		t.Error("expected empty queue after load failure")
	}
}

func TestQueue_RestoresPendingFromStore(t *testing.T) {
	ctx := context.Background()
	store := &mockQueueStore{initial: []domain.TransactionRecord{
		{ID: "old-pending", Kind: domain.TxKindStartGame, Status: domain.TxStatusPending},
	}}
	queue, err := NewQueue(ctx, store, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if !queue.IsPending() {
		t.Error("pending flag should be restored from the stored snapshot")
	}
}

func TestQueue_Prune(t *testing.T) {
	ctx := context.Background()
	queue, err := NewQueue(ctx, &mockQueueStore{}, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	queue.Enqueue(ctx, domain.TransactionRecord{
		ID: "old-confirmed", Kind: domain.TxKindEndGame,
		Status: domain.TxStatusConfirmed, CreatedAt: old,
	})
	queue.Enqueue(ctx, domain.TransactionRecord{
		ID: "old-failed", Kind: domain.TxKindStartGame,
		Status: domain.TxStatusFailed, CreatedAt: old,
	})
	queue.Enqueue(ctx, domain.TransactionRecord{
		ID: "old-pending", Kind: domain.TxKindStartGame,
		Status: domain.TxStatusPending, CreatedAt: old,
	})
	queue.Enqueue(ctx, domain.TransactionRecord{
		ID: "fresh", Kind: domain.TxKindEndGame,
		Status: domain.TxStatusConfirmed,
	})

	removed := queue.Prune(ctx, time.Hour)
	if removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}

	records := queue.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 kept, got %d", len(records))
	}
	for _, record := range records {
		if record.ID != "old-pending" && record.ID != "fresh" {
			t.Errorf("unexpected survivor %s", record.ID)
		}
	}
}

func TestQueue_ReconcileDetectsStaleFlag(t *testing.T) {
	ctx := context.Background()
	queue, err := NewQueue(ctx, &mockQueueStore{}, nil, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	queue.Enqueue(ctx, domain.TransactionRecord{ID: "p", Status: domain.TxStatusPending})

	// Force the cached flag out of sync with the list.
	queue.mu.Lock()
	queue.pending = false
	queue.mu.Unlock()

	if !queue.Reconcile() {
		t.Error("reconcile should report the stale flag")
	}
	if !queue.IsPending() {
		t.Error("reconcile should restore the pending flag")
	}
	if queue.Reconcile() {
		t.Error("second reconcile should be a no-op")
	}
}
