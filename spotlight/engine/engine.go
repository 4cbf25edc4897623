package engine

import (
	"context"
	"sync"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/castboard/spotlight/spotlight/database/repositories"
	lru "github.com/hashicorp/golang-lru"
)

// Notifier delivers best-effort announcements. Failures are logged by the
// engine and never affect settlement.
type Notifier interface {
	NotifyFeatured(ctx context.Context, auction *models.Auction) error
	NotifyWinner(ctx context.Context, auction *models.Auction) error
}

// PaymentVerifier validates an external payment proof before it backs a
// contribution.
type PaymentVerifier interface {
	Verify(ctx context.Context, proof, payer string, amount int64) error
}

// Options tunes lifecycle behavior. Zero values fall back to the defaults
// in constants.go.
type Options struct {
	DeadlineHourUTC int
	FeatureDuration time.Duration
	SnipeGuard      time.Duration
	SnipeExtension  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DeadlineHourUTC <= 0 {
		o.DeadlineHourUTC = DefaultDeadlineHourUTC
	}
	if o.FeatureDuration <= 0 {
		o.FeatureDuration = FeatureDuration
	}
	if o.SnipeGuard <= 0 {
		o.SnipeGuard = SnipeGuard
	}
	if o.SnipeExtension <= 0 {
		o.SnipeExtension = SnipeExtension
	}
	return o
}

// Engine drives pooled attention auctions: accepting contributions, running
// the lifecycle tick and settling refunds.
type Engine struct {
	auctions      repositories.AuctionRepository
	contributions repositories.ContributionRepository
	slots         repositories.FeaturedSlotRepository
	ledger        repositories.LedgerRepository
	notifier      Notifier
	verifier      PaymentVerifier
	opts          Options

	workers   *workerPool
	openCache *lru.Cache
	tickMu    sync.Mutex

	now func() time.Time
}

func New(
	auctions repositories.AuctionRepository,
	contributions repositories.ContributionRepository,
	slots repositories.FeaturedSlotRepository,
	ledger repositories.LedgerRepository,
	notifier Notifier,
	verifier PaymentVerifier,
	opts Options,
) *Engine {
	cache, _ := lru.New(openCacheSize)
	e := &Engine{
		auctions:      auctions,
		contributions: contributions,
		slots:         slots,
		ledger:        ledger,
		notifier:      notifier,
		verifier:      verifier,
		opts:          opts.withDefaults(),
		openCache:     cache,
		now:           time.Now,
	}
	e.workers = newWorkerPool(e, workerCount)
	return e
}

// Start launches the background refund workers.
func (e *Engine) Start() {
	e.workers.start()
}

// Shutdown drains queued settlement work and stops the workers.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.workers.drain(ctx)
}

// Drain waits for every queued job to finish without stopping the pool.
func (e *Engine) Drain(ctx context.Context) error {
	return e.workers.wait(ctx)
}

// NextWindowDeadline returns the next daily closing instant after now. All
// bidding windows in a cycle share the same deadline.
func (e *Engine) NextWindowDeadline(now time.Time) time.Time {
	deadline := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(),
		e.opts.DeadlineHourUTC, 0, 0, 0, time.UTC)
	if !deadline.After(now) {
		deadline = deadline.AddDate(0, 0, 1)
	}
	return deadline
}
