package queue

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type persistPhase int

const (
	phaseIdle persistPhase = iota
	phasePending
	phaseFlushing
)

// persister coalesces state changes into debounced writes. The window starts
// at the first change after an idle period and is not extended by later
// changes. At most one write is in flight; changes that arrive during a write
// schedule exactly one follow-up write. A failed write is retried after
// another window.
type persister struct {
	store    StateStore
	snapshot func() (*State, error)
	window   time.Duration
	clock    clock.WithDelayedExecution
	metrics  *metrics

	mu     sync.Mutex
	cond   *sync.Cond
	phase  persistPhase
	dirty  bool
	closed bool
	timer  clock.Timer
	gen    uint64
}

func newPersister(s StateStore, snapshot func() (*State, error), window time.Duration, c clock.WithDelayedExecution, m *metrics) *persister {
	p := &persister{store: s, snapshot: snapshot, window: window, clock: c, metrics: m}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Schedule records that the state changed.
func (p *persister) Schedule() {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	switch p.phase {
	case phaseIdle:
		p.phase = phasePending
		p.armLocked()
	case phaseFlushing:
		p.dirty = true
	}
}

func (p *persister) armLocked() {
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.window, func() { go p.fire(gen) })
}

func (p *persister) fire(gen uint64) {
	p.mu.Lock()
	if p.phase != phasePending || p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.phase = phaseFlushing
	p.timer = nil
	p.mu.Unlock()

	p.finish(p.write(context.Background()))
}

func (p *persister) write(ctx context.Context) error {
	st, err := p.snapshot()
	if err == nil {
		err = p.store.Save(ctx, st)
	}
	if err != nil {
		p.metrics.persistErrors.Inc()
		log.Error(err, "failed to persist queue state")
		return err
	}
	p.metrics.persistWrites.Inc()
	return nil
}

func (p *persister) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if (err != nil || p.dirty) && !p.closed {
		p.dirty = false
		p.phase = phasePending
		p.armLocked()
	} else {
		p.dirty = false
		p.phase = phaseIdle
	}
	p.cond.Broadcast()
}

// Flush writes the current state now, waiting for an in-flight write first.
func (p *persister) Flush(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	for p.phase == phaseFlushing {
		p.cond.Wait()
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	p.phase = phaseFlushing
	p.dirty = false
	p.mu.Unlock()

	err := p.write(ctx)
	p.finish(err)
	return err
}

// Close performs a final Flush and ignores later changes.
func (p *persister) Close(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Flush(ctx)
}
