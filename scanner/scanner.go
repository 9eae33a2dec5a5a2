// Package scanner bulk-fetches vault accounts, decodes and classifies them.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	vaultwatch "github.com/keeperhq/vaultwatch"
	"github.com/keeperhq/vaultwatch/account"
	"github.com/keeperhq/vaultwatch/ledger"
	"github.com/keeperhq/vaultwatch/state"
)

// ownerFieldOffset is where the owner key sits in the account layout,
// right after the discriminator. Used for server-side owner filtering.
const ownerFieldOffset = 8

// ClassifiedVault is a decoded vault with its computed status, the shape
// consumed by dashboards, monitors and bounty agents.
type ClassifiedVault struct {
	Address  vaultwatch.Address
	Vault    *account.Vault
	Snapshot state.Snapshot
	Lamports uint64
}

// Permitted returns the actions the given role may currently perform.
func (c *ClassifiedVault) Permitted(role state.Role) []state.Action {
	return state.Permitted(c.Snapshot, role)
}

// RoleOf determines the actor's role for this vault.
func (c *ClassifiedVault) RoleOf(actor vaultwatch.Address) state.Role {
	return state.RoleOf(c.Vault, actor)
}

// Filter narrows a scan. The zero value scans everything.
type Filter struct {
	// Owner restricts the scan to vaults created by one key. Applied
	// server-side via a byte-match filter, so unrelated accounts never
	// leave the node.
	Owner *vaultwatch.Address

	// ExpiredOnly keeps only vaults past their deadline and not yet
	// released.
	ExpiredOnly bool

	// MinBounty keeps only vaults with at least this bounty, in lamports.
	MinBounty uint64

	// WithinDays keeps only active vaults expiring within this many days.
	// Zero means no constraint.
	WithinDays int
}

// Result is one scan's outcome. Skipped counts accounts of other types
// sharing the program (expected); Anomalies counts accounts that matched
// the vault discriminator but failed to decode (corruption or a layout
// mismatch the operator should know about).
type Result struct {
	Vaults    []ClassifiedVault
	Scanned   int
	Skipped   int
	Anomalies int
}

// Scanner queries all vault accounts belonging to a program and classifies
// them. Stateless between calls: every Scan reflects the ledger's account
// set at call time.
type Scanner struct {
	client  ledger.Client
	program vaultwatch.Address
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// New creates a Scanner for the given program.
func New(client ledger.Client, program vaultwatch.Address, opts ...Option) *Scanner {
	s := &Scanner{
		client:  client,
		program: program,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan fetches, decodes and classifies all matching vault accounts.
// Decode failures never abort the scan: foreign account types are skipped
// silently, corrupt vault records are logged and counted.
func (s *Scanner) Scan(ctx context.Context, filter Filter) (*Result, error) {
	filters := []ledger.Filter{ledger.DataSizeFilter(account.AllocatedSize)}
	if filter.Owner != nil {
		filters = append(filters, ledger.MemcmpFilter(ownerFieldOffset, filter.Owner.Bytes()))
	}

	accounts, err := s.client.ProgramAccounts(ctx, s.program, filters...)
	if err != nil {
		return nil, fmt.Errorf("fetching program accounts: %w", err)
	}

	now := s.now()
	result := &Result{Scanned: len(accounts)}

	for _, acc := range accounts {
		outcome, v, err := account.Classify(acc.Data)
		switch outcome {
		case account.OutcomeNotVault:
			result.Skipped++
			continue
		case account.OutcomeCorrupt:
			result.Anomalies++
			s.logger.Warn("skipping corrupt vault account",
				"address", acc.Address.Short(),
				"size", len(acc.Data),
				"error", err,
			)
			continue
		}

		cv := ClassifiedVault{
			Address:  acc.Address,
			Vault:    v,
			Snapshot: state.Evaluate(v, now),
			Lamports: acc.Lamports,
		}
		if !matches(filter, &cv) {
			continue
		}
		result.Vaults = append(result.Vaults, cv)
	}

	s.logger.Debug("scan complete",
		"scanned", result.Scanned,
		"matched", len(result.Vaults),
		"skipped", result.Skipped,
		"anomalies", result.Anomalies,
	)
	return result, nil
}

// Vault fetches and classifies one known vault address. Unlike a bulk
// scan, every decode failure is surfaced: the caller asked for this
// specific account, so ambiguity is not acceptable.
func (s *Scanner) Vault(ctx context.Context, address vaultwatch.Address) (*ClassifiedVault, error) {
	acc, err := s.client.AccountInfo(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetching vault %s: %w", address.Short(), err)
	}

	v, err := account.Decode(acc.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding vault %s: %w", address.Short(), err)
	}

	return &ClassifiedVault{
		Address:  acc.Address,
		Vault:    v,
		Snapshot: state.Evaluate(v, s.now()),
		Lamports: acc.Lamports,
	}, nil
}

func matches(f Filter, cv *ClassifiedVault) bool {
	if f.Owner != nil && cv.Vault.Owner != *f.Owner {
		return false
	}
	if f.ExpiredOnly && cv.Snapshot.State != state.Expired {
		return false
	}
	if f.MinBounty > 0 && cv.Vault.BountyLamports < f.MinBounty {
		return false
	}
	if f.WithinDays > 0 {
		if cv.Snapshot.State != state.Active {
			return false
		}
		if cv.Snapshot.Remaining > time.Duration(f.WithinDays)*24*time.Hour {
			return false
		}
	}
	return true
}
