package storage

import (
	"slices"
	"sync"

	"palaver/internal/metrics"
	"palaver/internal/models"
)

// MemoryOutbox is an outbox that does not survive a restart. It is used when
// no database path is configured.
type MemoryOutbox struct {
	mu     sync.Mutex
	queued []models.Envelope
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (o *MemoryOutbox) Push(env models.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	env.Data = slices.Clone(env.Data)
	o.queued = append(o.queued, env)
	metrics.OutboxDepth.Set(float64(len(o.queued)))
	return nil
}

// Drain has the same contract as BboltStorage.Drain.
func (o *MemoryOutbox) Drain(send func(models.Envelope) error) (int, error) {
	sent := 0
	for {
		o.mu.Lock()
		if len(o.queued) == 0 {
			o.mu.Unlock()
			return sent, nil
		}
		head := o.queued[0]
		o.mu.Unlock()

		if err := send(head); err != nil {
			return sent, err
		}
		sent++

		o.mu.Lock()
		o.queued = o.queued[1:]
		metrics.OutboxDepth.Set(float64(len(o.queued)))
		o.mu.Unlock()
	}
}

func (o *MemoryOutbox) Len() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queued), nil
}

func (o *MemoryOutbox) Close() error {
	return nil
}
