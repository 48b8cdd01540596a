package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const pollTimeout = 200 * time.Millisecond

// Poller periodically fetches metrics from all registered predictors.
type Poller struct {
	registry *Registry
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	log      *zap.SugaredLogger
}

func NewPoller(registry *Registry, interval time.Duration, logger *zap.SugaredLogger) *Poller {
	return &Poller{
		registry: registry,
		interval: interval,
		stopCh:   make(chan struct{}),
		log:      logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
	p.log.Infof("📡 Poller started: interval=%v", p.interval)
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollAll()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.PollAll()
		}
	}
}

// PollAll fetches metrics from every connected predictor once.
func (p *Poller) PollAll() {
	var wg sync.WaitGroup
	for _, w := range p.registry.GetAll() {
		if w.Client == nil {
			continue
		}
		wg.Add(1)
		go func(entry WorkerEntry) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
			defer cancel()

			metrics, err := entry.Client.GetMetrics(ctx)
			if err != nil {
				p.log.Debugf("Poll of %s failed: %v", entry.Address, err)
				p.registry.MarkFailed(entry.Address)
				return
			}
			p.registry.UpdateMetrics(entry.Address, metrics)
		}(w)
	}
	wg.Wait()
}
