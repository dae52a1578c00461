package mixer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Leepey/Mixton-sub002/internal/chain"
	"github.com/Leepey/Mixton-sub002/internal/domain/mix"
	"github.com/Leepey/Mixton-sub002/internal/metrics"
	"github.com/Leepey/Mixton-sub002/internal/storage"
	"github.com/Leepey/Mixton-sub002/internal/system"
	"github.com/Leepey/Mixton-sub002/pkg/logger"
)

// ProcessorConfig tunes the payout release loop.
type ProcessorConfig struct {
	Interval      time.Duration // tick period
	BatchLimit    int           // max legs claimed per tick
	Workers       int           // concurrent transactions per tick
	MaxAttempts   int           // ledger attempts per leg before permanent failure
	Backoff       time.Duration // base retry backoff, scaled by attempt count
	LedgerTimeout time.Duration // per-transfer deadline
	LedgerRate    rate.Limit    // ledger calls per second, 0 for unlimited
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 30 * time.Second
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = 30 * time.Second
	}
	return c
}

// Processor drives the time-ordered release of payout legs. Each tick claims
// every due leg from the store, groups the claims by transaction, and hands
// each group to a worker. Legs of one transaction are processed sequentially
// so status recomputation stays race-free; different transactions proceed
// concurrently.
type Processor struct {
	store   storage.MixStore
	service *Service
	ledger  chain.Ledger
	cfg     ProcessorConfig
	limiter *rate.Limiter
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Processor)(nil)

// NewProcessor constructs a payout processor.
func NewProcessor(store storage.MixStore, service *Service, ledger chain.Ledger, cfg ProcessorConfig, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault("mixer-processor")
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.LedgerRate > 0 {
		limiter = rate.NewLimiter(cfg.LedgerRate, 1)
	}

	return &Processor{
		store:   store,
		service: service,
		ledger:  ledger,
		cfg:     cfg,
		limiter: limiter,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) Name() string { return "mixer-processor" }

// Start launches the tick loop. Startup immediately runs one tick so legs
// whose release time passed while the process was down are reconciled before
// the first interval elapses.
func (p *Processor) Start(ctx context.Context) error {
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
		p.Tick(runCtx)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Tick(runCtx)
			}
		}
	}()

	p.log.Info("payout processor started", "interval", p.cfg.Interval.String())
	return nil
}

// Stop halts the tick loop and waits for in-flight work to finish.
func (p *Processor) Stop(ctx context.Context) error {
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
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Tick claims every due leg and releases it. Claiming flips legs from
// scheduled to releasing atomically, so a leg is never released twice even
// when ticks overlap.
func (p *Processor) Tick(ctx context.Context) {
	legs, err := p.store.ClaimDueLegs(ctx, p.now(), p.cfg.BatchLimit)
	if err != nil {
		p.log.WithError(err).Warn("claim due legs failed")
		return
	}
	if depth, err := p.store.CountScheduledLegs(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}
	if len(legs) == 0 {
		return
	}

	// Group by transaction, preserving the claim order within each group.
	groups := make(map[string][]mix.PayoutLeg)
	order := make([]string, 0)
	for _, leg := range legs {
		if _, ok := groups[leg.TransactionID]; !ok {
			order = append(order, leg.TransactionID)
		}
		groups[leg.TransactionID] = append(groups[leg.TransactionID], leg)
	}

	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for _, txID := range order {
		group := groups[txID]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, leg := range group {
				p.releaseLeg(ctx, leg)
			}
		}()
	}
	wg.Wait()
}

func (p *Processor) releaseLeg(ctx context.Context, leg mix.PayoutLeg) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutdown mid-batch. No transfer was issued, so the claim
			// goes back untouched instead of consuming a retry attempt.
			// The run context is already cancelled; the write gets its
			// own deadline.
			returnCtx, cancel := context.WithTimeout(context.Background(), p.cfg.LedgerTimeout)
			defer cancel()
			if retErr := p.service.ReturnLeg(returnCtx, leg); retErr != nil {
				p.log.WithError(retErr).WithField("leg_id", leg.ID).Error("return claimed leg failed")
			}
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.LedgerTimeout)
	start := time.Now()
	receipt, err := p.ledger.Transfer(callCtx, leg.Address, leg.Amount, "")
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		attempt := leg.Attempts + 1
		if attempt < p.cfg.MaxAttempts {
			backoff := time.Duration(attempt) * p.cfg.Backoff
			p.log.WithError(err).
				WithField("leg_id", leg.ID).
				WithField("attempt", attempt).
				Warn("payout transfer failed; retrying")
			metrics.RecordLegRelease("retried", elapsed)
			p.reschedule(ctx, leg, p.now().Add(backoff), err)
			return
		}

		p.log.WithError(err).
			WithField("leg_id", leg.ID).
			WithField("transaction_id", leg.TransactionID).
			Warn("payout transfer failed permanently")
		metrics.RecordLegRelease("failed", elapsed)
		if failErr := p.service.FailLeg(ctx, leg, err); failErr != nil {
			p.log.WithError(failErr).WithField("leg_id", leg.ID).Error("record leg failure failed")
		}
		return
	}

	metrics.RecordLegRelease("released", elapsed)
	if err := p.service.CompleteLeg(ctx, leg, receipt.TxHash); err != nil {
		p.log.WithError(err).WithField("leg_id", leg.ID).Error("record leg release failed")
		return
	}
	p.log.Info("payout leg released",
		"leg_id", leg.ID,
		"transaction_id", leg.TransactionID,
		"amount", leg.Amount,
		"transfer_tx", receipt.TxHash,
	)
}

func (p *Processor) reschedule(ctx context.Context, leg mix.PayoutLeg, at time.Time, cause error) {
	if err := p.service.RescheduleLeg(ctx, leg, at, cause); err != nil {
		p.log.WithError(err).WithField("leg_id", leg.ID).Error("reschedule leg failed")
	}
}
