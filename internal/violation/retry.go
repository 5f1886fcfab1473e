package violation

import (
	"context"
	"sync"
	"time"

	"github.com/beeker1121/goque"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

const (
	opOpen    = "open"
	opResolve = "resolve"

	maxRetryPriority = 255
)

type pendingWrite struct {
	Op         string              `json:"op"`
	Violation  datamodel.Violation `json:"violation,omitempty"`
	ID         string              `json:"id,omitempty"`
	ResolvedAt time.Time           `json:"resolvedAt,omitempty"`
}

// retryQueue drains failed violation writes from disk, so a database outage
// surfaces as delayed persistence instead of lost records.
type retryQueue struct {
	pq     *goque.PriorityQueue
	store  Store
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRetryQueue(path string, store Store) (*retryQueue, error) {
	pq, err := goque.OpenPriorityQueue(path, goque.ASC)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &retryQueue{pq: pq, store: store, cancel: cancel}
	r.wg.Add(1)
	go r.drain(ctx)
	return r, nil
}

func (r *retryQueue) enqueueOpen(v datamodel.Violation) {
	r.enqueue(pendingWrite{Op: opOpen, Violation: v}, 0)
}

func (r *retryQueue) enqueueResolve(id string, resolvedAt time.Time) {
	r.enqueue(pendingWrite{Op: opResolve, ID: id, ResolvedAt: resolvedAt}, 0)
}

func (r *retryQueue) enqueue(w pendingWrite, priority uint8) {
	buf, err := json.Marshal(w)
	if err != nil {
		zap.S().Errorw("Failed to marshal pending violation write", "error", err)
		return
	}
	if _, err := r.pq.Enqueue(priority, buf); err != nil {
		zap.S().Errorw("Failed to enqueue pending violation write", "error", err)
		return
	}
	retryQueueLength.Set(float64(r.pq.Length()))
}

func (r *retryQueue) drain(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.drainOnce(ctx)
	}
}

func (r *retryQueue) drainOnce(ctx context.Context) {
	for {
		item, err := r.pq.Dequeue()
		if err != nil {
			return
		}
		var w pendingWrite
		if err := json.Unmarshal(item.Value, &w); err != nil {
			zap.S().Errorw("Discarding undecodable pending write", "error", err)
			continue
		}
		if err := r.apply(ctx, w); err != nil {
			// Push back with lower priority so fresher writes go first.
			priority := item.Priority
			if priority < maxRetryPriority {
				priority++
			}
			r.enqueue(w, priority)
			return
		}
		retryQueueLength.Set(float64(r.pq.Length()))
	}
}

func (r *retryQueue) apply(ctx context.Context, w pendingWrite) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	switch w.Op {
	case opResolve:
		return r.store.ResolveViolation(ctx, w.ID, w.ResolvedAt)
	default:
		return r.store.InsertViolation(ctx, w.Violation)
	}
}

func (r *retryQueue) close() error {
	r.cancel()
	r.wg.Wait()
	return r.pq.Close()
}
