// Package ledger provides the distributed-ledger RPC boundary: fetching raw
// program accounts and submitting instructions. Everything above this
// package works on immutable byte snapshots; everything below it is I/O.
package ledger

import (
	"context"
	"errors"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

var (
	// ErrAlreadyProcessed is returned when the ledger rejects an
	// instruction because another transaction already performed the
	// transition (a release trigger lost the race). Callers treat this as
	// success by another party, not a failure.
	ErrAlreadyProcessed = errors.New("instruction already processed by another transaction")

	// ErrNotExpired is returned when the program rejects a release trigger
	// because the deadline has not passed by ledger time. Local clocks can
	// run slightly ahead of the ledger's.
	ErrNotExpired = errors.New("program rejected trigger: vault not expired")

	// ErrUnauthorized is returned when the program rejects the signer.
	ErrUnauthorized = errors.New("program rejected signer")

	// ErrAccountNotFound is returned when a requested account does not
	// exist (e.g. a vault closed between scan and fetch).
	ErrAccountNotFound = errors.New("account not found")
)

// Account is a raw account snapshot fetched from the ledger.
type Account struct {
	Address  vaultwatch.Address
	Data     []byte
	Lamports uint64
}

// Filter narrows a program-accounts query server-side.
type Filter struct {
	// DataSize matches accounts of exactly this size (0 = no constraint).
	DataSize int

	// MemcmpOffset/MemcmpBytes match raw bytes at an offset. Used to
	// filter vaults by owner (the owner field sits right after the
	// discriminator at offset 8).
	MemcmpOffset int
	MemcmpBytes  []byte
}

// MemcmpFilter builds a byte-match filter.
func MemcmpFilter(offset int, b []byte) Filter {
	return Filter{MemcmpOffset: offset, MemcmpBytes: b}
}

// DataSizeFilter builds an exact-size filter.
func DataSizeFilter(size int) Filter {
	return Filter{DataSize: size}
}

// Client is the read/write boundary to the ledger. Implementations must be
// safe for concurrent use.
type Client interface {
	// ProgramAccounts fetches all accounts owned by a program, optionally
	// narrowed by filters.
	ProgramAccounts(ctx context.Context, program vaultwatch.Address, filters ...Filter) ([]Account, error)

	// AccountInfo fetches one account by address. Returns
	// ErrAccountNotFound if it does not exist.
	AccountInfo(ctx context.Context, address vaultwatch.Address) (*Account, error)

	// SubmitInstruction signs and submits a single instruction, returning
	// the transaction signature.
	SubmitInstruction(ctx context.Context, ins Instruction) (string, error)
}

// Signer turns an instruction into a signed wire transaction. Key custody
// stays behind this interface; the core never sees private key material.
type Signer interface {
	// Address returns the fee payer / signing address.
	Address() vaultwatch.Address

	// Sign serializes and signs a transaction containing the instruction,
	// anchored to the given recent blockhash.
	Sign(ins Instruction, recentBlockhash string) ([]byte, error)
}
