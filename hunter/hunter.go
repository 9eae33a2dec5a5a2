// Package hunter runs the bounty release agent: it finds expired vaults
// and races to submit the permissionless release trigger, collecting the
// bounty each vault carries.
package hunter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	vaultwatch "github.com/keeperhq/vaultwatch"
	"github.com/keeperhq/vaultwatch/ledger"
	"github.com/keeperhq/vaultwatch/scanner"
	"github.com/keeperhq/vaultwatch/state"
)

// Config holds hunting configuration.
type Config struct {
	// Payer is the key that signs release triggers and receives bounties.
	Payer vaultwatch.Address

	// MinBounty skips vaults whose bounty would not cover the transaction
	// fee, in lamports. Zero triggers every expired vault.
	MinBounty uint64

	// CheckInterval is how often to run hunt cycles. Default is 30 seconds;
	// release races are won in seconds, not minutes.
	CheckInterval time.Duration

	// Logger for hunting events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MinBounty:     5000,
		CheckInterval: 30 * time.Second,
		Logger:        slog.Default(),
	}
}

// Hunter scans for expired vaults and submits release triggers. Losing a
// race to another hunter is a normal outcome, not a failure: the vault
// still released and the beneficiary is still served.
type Hunter struct {
	config  Config
	client  ledger.Client
	scanner *scanner.Scanner
	program vaultwatch.Address
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Hunter.
type Option func(*Hunter)

// WithMetrics sets the metrics for the hunter.
func WithMetrics(meter metric.Meter) Option {
	return func(h *Hunter) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			h.logger.Error("failed to create hunter metrics", "error", err)
			return
		}
		h.metrics = metrics
	}
}

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(h *Hunter) {
		h.now = now
	}
}

// New creates a Hunter. The client must carry a signer for the configured
// payer or every submission will fail.
func New(client ledger.Client, program vaultwatch.Address, cfg Config, opts ...Option) *Hunter {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Hunter{
		config:  cfg,
		client:  client,
		program: program,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.scanner = scanner.New(client, program,
		scanner.WithLogger(h.logger),
		scanner.WithNow(h.now),
	)
	return h
}

// Start begins background hunt cycles.
func (h *Hunter) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped || h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	go h.run(ctx)
	return nil
}

// Stop stops background hunting.
func (h *Hunter) Stop() {
	h.mu.Lock()
	if !h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	close(h.stopCh)
	<-h.doneCh
}

func (h *Hunter) run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	h.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.runOnce(ctx)
		}
	}
}

// Result contains the outcome of one hunt cycle.
type Result struct {
	Scanned    int
	Candidates int
	// Triggered counts releases this payer won.
	Triggered int
	// AlreadyTaken counts races lost to another hunter. The vault released
	// either way.
	AlreadyTaken int
	Failed       int
	// BountyEarned totals the bounties of won releases, in lamports.
	BountyEarned uint64
	Duration     time.Duration
}

// RunOnce performs a single hunt cycle.
func (h *Hunter) RunOnce(ctx context.Context) *Result {
	return h.runOnce(ctx)
}

func (h *Hunter) runOnce(ctx context.Context) *Result {
	start := h.now()
	result := &Result{}

	scan, err := h.scanner.Scan(ctx, scanner.Filter{
		ExpiredOnly: true,
		MinBounty:   h.config.MinBounty,
	})
	if err != nil {
		h.logger.Error("hunt scan failed", "error", err)
		result.Failed++
		return result
	}
	result.Scanned = scan.Scanned
	result.Candidates = len(scan.Vaults)

	for i := range scan.Vaults {
		h.trigger(ctx, &scan.Vaults[i], result)
	}

	result.Duration = h.now().Sub(start)
	h.record(ctx, result)

	if result.Candidates > 0 {
		h.logger.Info("hunt cycle complete",
			"candidates", result.Candidates,
			"triggered", result.Triggered,
			"already_taken", result.AlreadyTaken,
			"failed", result.Failed,
			"bounty_earned", result.BountyEarned,
			"duration", result.Duration,
		)
	} else {
		h.logger.Debug("hunt cycle complete, no expired vaults", "scanned", result.Scanned)
	}

	return result
}

func (h *Hunter) trigger(ctx context.Context, cv *scanner.ClassifiedVault, result *Result) {
	// The scan filter already excludes non-expired vaults; re-check against
	// the classification before spending a transaction fee.
	if err := state.Authorize(cv.Snapshot, state.Anyone, state.TriggerRelease); err != nil {
		h.logger.Debug("skipping vault, trigger not authorized",
			"vault", cv.Address.Short(),
			"error", err,
		)
		return
	}

	ins := ledger.NewTriggerRelease(h.program, cv.Address, h.config.Payer)

	signature, err := h.client.SubmitInstruction(ctx, ins)
	switch {
	case err == nil:
		result.Triggered++
		result.BountyEarned += cv.Vault.BountyLamports
		h.logger.Info("release triggered",
			"vault", cv.Address.Short(),
			"bounty", cv.Vault.BountyLamports,
			"signature", signature,
		)
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		// Another hunter got there first. The vault released; no bounty,
		// no alarm.
		result.AlreadyTaken++
		h.logger.Debug("release already triggered by another party",
			"vault", cv.Address.Short(),
		)
	case errors.Is(err, ledger.ErrNotExpired):
		// Our clock ran ahead of the validator's. Will retry next cycle.
		h.logger.Debug("validator disagrees on expiry, deferring",
			"vault", cv.Address.Short(),
		)
	default:
		result.Failed++
		h.logger.Warn("release trigger failed",
			"vault", cv.Address.Short(),
			"error", err,
		)
	}
}

func (h *Hunter) record(ctx context.Context, result *Result) {
	if h.metrics == nil {
		return
	}

	h.metrics.cyclesTotal.Add(ctx, 1)
	h.metrics.cycleDuration.Record(ctx, result.Duration.Seconds())
	h.metrics.candidatesFound.Add(ctx, int64(result.Candidates))
	h.metrics.releasesWon.Add(ctx, int64(result.Triggered))
	h.metrics.releasesLost.Add(ctx, int64(result.AlreadyTaken))
	h.metrics.releasesFailed.Add(ctx, int64(result.Failed))
	h.metrics.bountyEarned.Add(ctx, int64(result.BountyEarned))
	h.metrics.lastRunTimestamp.Record(ctx, float64(h.now().Unix()))
}
