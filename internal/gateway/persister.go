package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/storage"
)

// saveTimeout bounds a single snapshot write.
const saveTimeout = 5 * time.Second

// Persister writes snapshots from a bounded queue on a single goroutine, so
// writes for one session land in the order they were produced. Callers never
// wait on storage.
type Persister struct {
	store  storage.Saver
	queue  chan storage.Snapshot
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewPersister creates a Persister buffering up to size snapshots.
//
// Precondition: store and logger must be non-nil.
// Postcondition: size <= 0 selects 64.
func NewPersister(store storage.Saver, size int, logger *zap.Logger) *Persister {
	if size <= 0 {
		size = 64
	}
	return &Persister{
		store:  store,
		queue:  make(chan storage.Snapshot, size),
		logger: logger,
	}
}

// Persist enqueues s without blocking. When the queue is full or closed the
// snapshot is dropped and an error is logged.
func (p *Persister) Persist(s storage.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.logger.Error("dropping snapshot after close", zap.String("session", s.ID.String()))
		return
	}
	select {
	case p.queue <- s:
	default:
		p.logger.Error("persist queue full, dropping snapshot",
			zap.String("session", s.ID.String()),
			zap.Int("capacity", cap(p.queue)),
		)
	}
}

// Close stops accepting snapshots. Queued snapshots are still written by Run.
func (p *Persister) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// Run writes queued snapshots until Close is called and the queue drains.
// Cancelling ctx closes the persister and drains what is left.
//
// Postcondition: Every snapshot accepted by Persist has been offered to the store.
func (p *Persister) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case s, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.save(writeCtx, s)
		case <-ctx.Done():
			p.Close()
			for s := range p.queue {
				p.save(writeCtx, s)
			}
			return nil
		}
	}
}

func (p *Persister) save(ctx context.Context, s storage.Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	start := time.Now()
	if err := p.store.Save(ctx, s); err != nil {
		p.logger.Error("saving snapshot",
			zap.String("session", s.ID.String()),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("snapshot saved",
		zap.String("session", s.ID.String()),
		zap.Bool("finished", s.Finished),
		zap.Int("moves", len(s.Moves)),
		zap.Duration("elapsed", time.Since(start)),
	)
}
