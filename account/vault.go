// Package account implements the binary layout of on-ledger vault records.
//
// The layout is shared with external readers (explorers, other bots) and is
// not versioned beyond the leading discriminator, so field order, width and
// endianness must match exactly. All integers are little-endian.
package account

import (
	vaultwatch "github.com/keeperhq/vaultwatch"
)

// Discriminator is the 8-byte tag identifying a vault account. Program-owned
// storage can hold other account types; anything not starting with this tag
// is simply not a vault.
var Discriminator = [8]byte{211, 8, 232, 43, 2, 152, 117, 119}

// Vault is the decoded on-ledger vault record.
//
// Wire order: discriminator, owner, recipient, ipfs_cid (u32 length prefix),
// encrypted_key (u32 length prefix), time_interval (i64), last_check_in (i64),
// is_released (u8), vault_seed (u64), bump (u8), delegate (option),
// bounty_lamports (u64), name (u32 length prefix), locked_lamports (u64),
// token_mint (option), locked_tokens (u64). The fields from name onward were
// added after the initial deployment; older accounts end early and decode
// with zero values for the missing tail.
type Vault struct {
	Owner          vaultwatch.Address
	Recipient      vaultwatch.Address
	IPFSCid        string
	EncryptedKey   string
	TimeInterval   int64
	LastCheckIn    int64
	IsReleased     bool
	VaultSeed      uint64
	Bump           uint8
	Delegate       *vaultwatch.Address
	BountyLamports uint64
	Name           string
	LockedLamports uint64
	TokenMint      *vaultwatch.Address
	LockedTokens   uint64
}

// Deadline returns the expiry deadline in Unix seconds.
// The vault is expired strictly after this instant, never at it.
func (v *Vault) Deadline() int64 {
	return v.LastCheckIn + v.TimeInterval
}

// HasDelegate reports whether a delegate key is set.
func (v *Vault) HasDelegate() bool {
	return v.Delegate != nil
}

// WalletKeyPrefix marks an encrypted_key reference as wallet mode. The actual
// wrapped key material lives off-chain in the envelope; the account only
// stores this marker (wallet mode) or an opaque reference (password mode).
const WalletKeyPrefix = "wallet:"

// KeyMode describes how the vault's content key is protected.
type KeyMode string

const (
	KeyModePassword KeyMode = "password"
	KeyModeWallet   KeyMode = "wallet"
)

// Mode classifies the encrypted_key reference stored on the account.
func (v *Vault) Mode() KeyMode {
	if len(v.EncryptedKey) >= len(WalletKeyPrefix) && v.EncryptedKey[:len(WalletKeyPrefix)] == WalletKeyPrefix {
		return KeyModeWallet
	}
	return KeyModePassword
}

// PartialStatus holds just the fields bulk scanners need to classify a vault
// without paying for a full decode.
type PartialStatus struct {
	Owner        vaultwatch.Address
	Recipient    vaultwatch.Address
	TimeInterval int64
	LastCheckIn  int64
	IsReleased   bool
}

// Deadline returns the expiry deadline in Unix seconds.
func (p *PartialStatus) Deadline() int64 {
	return p.LastCheckIn + p.TimeInterval
}
