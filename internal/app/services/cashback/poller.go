package cashback

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-network/spendledger/internal/app/storage"
	"github.com/custodia-network/spendledger/internal/app/system"
	"github.com/custodia-network/spendledger/pkg/logger"
)

// RetryPoller periodically re-attempts deferred cashback payouts. It is an
// optimisation only: correctness never depends on it, since pending balances
// are also retried opportunistically at the start of each spend.
type RetryPoller struct {
	store       storage.CashbackStore
	distributor *Distributor
	interval    time.Duration
	log         *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*RetryPoller)(nil)

// NewRetryPoller creates a poller over the distributor's pending balances.
func NewRetryPoller(store storage.CashbackStore, distributor *Distributor, interval time.Duration, log *logger.Logger) *RetryPoller {
	if log == nil {
		log = logger.NewDefault("cashback-retry")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RetryPoller{
		store:       store,
		distributor: distributor,
		interval:    interval,
		log:         log,
	}
}

func (p *RetryPoller) Name() string { return "cashback-retry" }

func (p *RetryPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("cashback retry poller started")
	return nil
}

func (p *RetryPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RetryPoller) tick(ctx context.Context) {
	entries, err := p.store.ListAllPendingCashback(ctx)
	if err != nil {
		p.log.WithError(err).Warn("list pending cashback")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		p.distributor.RetrievePending(ctx, entry.Recipient, entry.Token)
	}
}
