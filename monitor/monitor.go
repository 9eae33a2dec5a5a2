package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	vaultwatch "github.com/keeperhq/vaultwatch"
	"github.com/keeperhq/vaultwatch/scanner"
	"github.com/keeperhq/vaultwatch/state"
	"github.com/keeperhq/vaultwatch/telemetry"
)

// Config holds monitoring configuration.
type Config struct {
	// Owner restricts monitoring to vaults created by one key. Nil means
	// monitor every vault the program owns.
	Owner *vaultwatch.Address

	// CheckInterval is how often to run monitoring cycles.
	// Default is 5 minutes.
	CheckInterval time.Duration

	// Logger for monitoring events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Monitor periodically scans vaults, escalates notifications as deadlines
// approach, and archives vaults that have been claimed.
type Monitor struct {
	config    Config
	scanner   *scanner.Scanner
	store     *Store
	notifiers []Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Monitor. Notifications fan out to all notifiers.
func New(sc *scanner.Scanner, store *Store, cfg Config, notifiers ...Notifier) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(notifiers) == 0 {
		notifiers = []Notifier{NewLogNotifier(cfg.Logger)}
	}

	return &Monitor{
		config:    cfg,
		scanner:   sc,
		store:     store,
		notifiers: notifiers,
		logger:    cfg.Logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins background monitoring cycles.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background monitoring.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// Result contains the outcome of one monitoring cycle.
type Result struct {
	Scanned  int
	Tracked  int
	Notified int
	Claimed  int
	Closed   int
	Errors   int
	Duration time.Duration
}

// RunOnce performs a single monitoring cycle.
func (m *Monitor) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Monitor) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	m.logger.Debug("starting monitoring cycle")

	scan, err := m.scanner.Scan(ctx, scanner.Filter{Owner: m.config.Owner})
	if err != nil {
		m.logger.Error("vault scan failed", "error", err)
		result.Errors++
		return result
	}
	result.Scanned = scan.Scanned
	result.Tracked = len(scan.Vaults)

	var expired, released int
	for i := range scan.Vaults {
		switch scan.Vaults[i].Snapshot.State {
		case state.Expired:
			expired++
		case state.Released:
			released++
		}
	}
	telemetry.RecordScanState(ctx, result.Tracked, expired, released)

	seen := make(map[vaultwatch.Address]bool, len(scan.Vaults))
	for i := range scan.Vaults {
		cv := &scan.Vaults[i]
		seen[cv.Address] = true

		if m.escalate(ctx, cv) {
			result.Notified++
		}

		if err := m.store.PutRecord(recordOf(cv, m.now())); err != nil {
			m.logger.Warn("failed to persist vault record",
				"vault", cv.Address.Short(),
				"error", err,
			)
			result.Errors++
		}
	}

	claimed, closed := m.reconcile(seen, result)
	result.Claimed = claimed
	result.Closed = closed
	result.Duration = m.now().Sub(start)

	if result.Notified > 0 || result.Claimed > 0 {
		m.logger.Info("monitoring cycle complete",
			"tracked", result.Tracked,
			"notified", result.Notified,
			"claimed", result.Claimed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("monitoring cycle complete, nothing to report",
			"tracked", result.Tracked,
		)
	}

	return result
}

// escalate sends at most one notification for the vault's current band.
// The dedupe key includes the deadline, so a check-in re-arms every band.
func (m *Monitor) escalate(ctx context.Context, cv *scanner.ClassifiedVault) bool {
	band := bandOf(cv.Snapshot)
	if band == BandNone {
		return false
	}

	sent, err := m.store.Notified(cv.Address, cv.Snapshot.Deadline, band)
	if err != nil {
		m.logger.Warn("failed to read notification state",
			"vault", cv.Address.Short(),
			"error", err,
		)
		return false
	}
	if sent {
		return false
	}

	now := m.now()
	n := &Notification{
		Vault:     cv.Address,
		Owner:     cv.Vault.Owner,
		Name:      cv.Vault.Name,
		Band:      band,
		BandName:  band.String(),
		Deadline:  cv.Snapshot.Deadline,
		Remaining: cv.Snapshot.Remaining,
		Bounty:    cv.Vault.BountyLamports,
		SentAt:    now,
	}

	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			m.logger.Warn("notification delivery failed",
				"vault", cv.Address.Short(),
				"band", band.String(),
				"error", err,
			)
		}
	}

	if err := m.store.MarkNotified(cv.Address, cv.Snapshot.Deadline, band, now); err != nil {
		m.logger.Warn("failed to record notification",
			"vault", cv.Address.Short(),
			"error", err,
		)
	}
	return true
}

// reconcile compares the tracked vault set against the current scan. A
// tracked vault that has disappeared after release was claimed and closed
// by its recipient; one that disappeared while active was closed by its
// owner.
func (m *Monitor) reconcile(seen map[vaultwatch.Address]bool, result *Result) (claimed, closed int) {
	records, err := m.store.Records()
	if err != nil {
		m.logger.Warn("failed to list vault records", "error", err)
		result.Errors++
		return 0, 0
	}

	for _, rec := range records {
		if seen[rec.Address] {
			continue
		}

		if rec.Released {
			if err := m.store.Archive(&ClaimRecord{
				Address:   rec.Address,
				Owner:     rec.Owner,
				Recipient: rec.Recipient,
				Name:      rec.Name,
				Bounty:    rec.Bounty,
				ClaimedAt: m.now(),
			}); err != nil {
				m.logger.Warn("failed to archive claimed vault",
					"vault", rec.Address.Short(),
					"error", err,
				)
				result.Errors++
				continue
			}
			claimed++
			m.logger.Info("vault claimed and closed",
				"vault", rec.Address.Short(),
				"recipient", rec.Recipient.Short(),
			)
		} else {
			closed++
			m.logger.Info("vault closed by owner", "vault", rec.Address.Short())
		}

		if err := m.store.DeleteRecord(rec.Address); err != nil {
			m.logger.Warn("failed to drop vault record",
				"vault", rec.Address.Short(),
				"error", err,
			)
			result.Errors++
		}
	}
	return claimed, closed
}

// bandOf maps a status snapshot to its notification band. Released vaults
// get no further notifications; the expiry notice already fired.
func bandOf(snap state.Snapshot) Band {
	switch snap.State {
	case state.Released:
		return BandNone
	case state.Expired:
		return BandExpired
	}

	switch {
	case snap.Remaining < state.BandFinal:
		return BandFinal
	case snap.Remaining < state.BandUrgent:
		return BandUrgent
	case snap.Remaining < state.BandWarning:
		return BandApproaching
	default:
		return BandNone
	}
}

func recordOf(cv *scanner.ClassifiedVault, now time.Time) *VaultRecord {
	return &VaultRecord{
		Address:   cv.Address,
		Owner:     cv.Vault.Owner,
		Recipient: cv.Vault.Recipient,
		Name:      cv.Vault.Name,
		Deadline:  cv.Snapshot.Deadline,
		Released:  cv.Vault.IsReleased,
		Bounty:    cv.Vault.BountyLamports,
		Lamports:  cv.Lamports,
		LastSeen:  now,
	}
}
