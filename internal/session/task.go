package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"zoneclient/internal/metrics"
)

type tickerFactory func(time.Duration) (<-chan time.Time, func())

func defaultTickerFactory() tickerFactory {
	return func(d time.Duration) (<-chan time.Time, func()) {
		ticker := time.NewTicker(d)
		return ticker.C, ticker.Stop
	}
}

// periodic runs fn every interval and whenever trigger fires. A tick that
// arrives while the previous run is still active is skipped.
type periodic struct {
	name      string
	interval  time.Duration
	fn        func(ctx context.Context)
	trigger   <-chan struct{}
	immediate bool
	newTicker tickerFactory
	metrics   *metrics.Metrics

	busy    atomic.Bool
	skipped atomic.Int64
	wg      sync.WaitGroup
}

func (p *periodic) run(ctx context.Context) error {
	if p.newTicker == nil {
		p.newTicker = defaultTickerFactory()
	}
	tickerC, stop := p.newTicker(p.interval)
	defer stop()
	defer p.wg.Wait()

	if p.immediate {
		p.fire(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tickerC:
			p.fire(ctx)
		case <-p.trigger:
			p.fire(ctx)
		}
	}
}

func (p *periodic) fire(ctx context.Context) {
	if !p.busy.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.metrics.Skipped(p.name)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.busy.Store(false)
		if ctx.Err() != nil {
			return
		}
		p.fn(ctx)
	}()
}
