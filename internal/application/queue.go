package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"flappysomnia/internal/domain"
)

// QueueStore persists the full record list. Writes are best effort: a
// failed write never fails the mutation that triggered it.
type QueueStore interface {
	SaveQueue(ctx context.Context, records []domain.TransactionRecord) error
	LoadQueue(ctx context.Context) ([]domain.TransactionRecord, error)
}

// EventSink receives lifecycle events for observability. Optional.
type EventSink interface {
	PublishTxUpdate(ctx context.Context, record domain.TransactionRecord) error
}

type QueueObserver interface {
	OnQueueDepth(pending, total int)
}

// RecordPatch is a partial update merged into an existing record. Nil
// fields are left untouched.
type RecordPatch struct {
	Status       *domain.TxStatus
	ChainHash    *string
	GameID       *uint64
	FinalScore   *uint64
	TotalJumps   *uint64
	JumpCount    *int
	LocalOnly    *bool
	ErrorMessage *string
}

const DefaultRetention = time.Hour

// Queue owns the transaction record list. It is the only writer; every
// other component goes through Enqueue/Update. The pending flag is cached
// and recomputed on each mutation so callers can poll it cheaply.
type Queue struct {
	mu       sync.Mutex
	records  []domain.TransactionRecord
	pending  bool
	store    QueueStore
	sink     EventSink
	observer QueueObserver
}

func NewQueue(ctx context.Context, store QueueStore, sink EventSink, observer QueueObserver) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue store is required")
	}
	q := &Queue{store: store, sink: sink, observer: observer}

	records, err := store.LoadQueue(ctx)
	if err != nil {
		// A corrupt or missing snapshot is never fatal; start empty.
		slog.Warn("queue load failed, starting empty", "err", err)
		records = nil
	}
	q.records = records
	q.pending = hasPending(records)
	return q, nil
}

func (q *Queue) Enqueue(ctx context.Context, record domain.TransactionRecord) {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().UnixMilli()
	}
	if record.Status == "" {
		record.Status = domain.TxStatusPending
	}

	q.mu.Lock()
	// No dedup by id: callers that re-enqueue instead of updating create a
	// duplicate. Documented hazard of the enqueue contract.
	q.records = append(q.records, record)
	q.refreshLocked()
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.publish(ctx, record)
}

// Update merges patch into the record matching id. Unknown ids are logged
// no-ops. A Pending transition on a Confirmed record is dropped while the
// rest of the patch still merges.
func (q *Queue) Update(ctx context.Context, id string, patch RecordPatch) bool {
	q.mu.Lock()

	idx := -1
	for i := range q.records {
		if q.records[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		slog.Warn("queue update for unknown record", "id", id)
		return false
	}

	record := &q.records[idx]
	if patch.Status != nil {
		if record.Status == domain.TxStatusConfirmed && *patch.Status == domain.TxStatusPending {
			slog.Warn("dropping confirmed->pending transition", "id", id)
		} else {
			record.Status = *patch.Status
		}
	}
	if patch.ChainHash != nil {
		record.ChainHash = *patch.ChainHash
	}
	if patch.GameID != nil {
		record.GameID = *patch.GameID
	}
	if patch.FinalScore != nil {
		record.FinalScore = *patch.FinalScore
	}
	if patch.TotalJumps != nil {
		record.TotalJumps = *patch.TotalJumps
	}
	if patch.JumpCount != nil {
		record.JumpCount = *patch.JumpCount
	}
	if patch.LocalOnly != nil {
		record.LocalOnly = *patch.LocalOnly
	}
	if patch.ErrorMessage != nil {
		record.ErrorMessage = *patch.ErrorMessage
	}
	updated := *record

	q.refreshLocked()
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.publish(ctx, updated)
	return true
}

func (q *Queue) IsPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// CanSubmit allows one in-flight transaction across all kinds. The kind
// argument is accepted for future per-kind gating but currently unused.
func (q *Queue) CanSubmit(kind domain.TxKind) bool {
	_ = kind
	return !q.IsPending()
}

// Reconcile recomputes the cached pending flag from the list and reports
// whether it was stale.
func (q *Queue) Reconcile() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	was := q.pending
	q.refreshLocked()
	if was != q.pending {
		slog.Warn("pending flag was stale", "was", was, "now", q.pending)
		return true
	}
	return false
}

// Prune removes Confirmed/Failed records older than retention. Pending
// records are kept regardless of age. Returns the number removed.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.records[:0]
	removed := 0
	for _, record := range q.records {
		if record.Status != domain.TxStatusPending && record.CreatedAt < cutoff {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	q.records = kept
	if removed > 0 {
		q.refreshLocked()
		q.persistLocked(ctx)
		slog.Info("pruned transaction records", "removed", removed, "kept", len(kept))
	}
	return removed
}

// Records returns a copy of the current list, newest last.
func (q *Queue) Records() []domain.TransactionRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TransactionRecord, len(q.records))
	copy(out, q.records)
	return out
}

// Resync forces a full write of the list to the store, a defense against
// missed best-effort writes.
func (q *Queue) Resync(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.SaveQueue(ctx, q.records)
}

// Run drives the periodic reconcile, resync and prune loops until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context, reconcileEvery, resyncEvery, retention time.Duration) {
	if reconcileEvery <= 0 {
		reconcileEvery = 5 * time.Second
	}
	if resyncEvery <= 0 {
		resyncEvery = 10 * time.Second
	}
	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()
	resync := time.NewTicker(resyncEvery)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			q.Reconcile()
			q.Prune(ctx, retention)
		case <-resync.C:
			if err := q.Resync(ctx); err != nil {
				slog.Warn("queue resync failed", "err", err)
			}
		}
	}
}

func (q *Queue) refreshLocked() {
	q.pending = hasPending(q.records)
	if q.observer != nil {
		pending := 0
		for _, record := range q.records {
			if record.Status == domain.TxStatusPending {
				pending++
			}
		}
		q.observer.OnQueueDepth(pending, len(q.records))
	}
}

func (q *Queue) persistLocked(ctx context.Context) {
	if err := q.store.SaveQueue(ctx, q.records); err != nil {
		slog.Warn("queue persist failed", "err", err, "records", len(q.records))
	}
}

func (q *Queue) publish(ctx context.Context, record domain.TransactionRecord) {
	if q.sink == nil {
		return
	}
	if err := q.sink.PublishTxUpdate(ctx, record); err != nil {
		slog.Debug("tx update publish failed", "id", record.ID, "err", err)
	}
}

func hasPending(records []domain.TransactionRecord) bool {
	for _, record := range records {
		if record.Status == domain.TxStatusPending {
			return true
		}
	}
	return false
}
