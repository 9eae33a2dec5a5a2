package account

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

var (
	// ErrTooShort is returned when the buffer is smaller than the minimum
	// fixed-field size of a vault account.
	ErrTooShort = errors.New("account data too short")

	// ErrBadDiscriminator is returned when the leading 8 bytes don't match
	// the vault discriminator. Callers must treat this as "not a vault
	// account", not a hard error.
	ErrBadDiscriminator = errors.New("not a vault account")

	// ErrTruncatedField is returned when a declared field length would read
	// past the end of the buffer. On a discriminator-matching account this
	// indicates corruption or a layout-version mismatch.
	ErrTruncatedField = errors.New("truncated field")
)

// MinVaultSize is the smallest buffer that can hold the mandatory fixed
// fields: discriminator, owner, recipient, the two string length prefixes,
// time_interval, last_check_in and the release flag.
const MinVaultSize = 8 + 32 + 32 + 4 + 4 + 8 + 8 + 1

// AllocatedSize is the fixed size the program allocates for every vault
// account at creation; variable-length fields are zero-padded up to it.
// Scans can filter on it server-side to skip other account types cheaply.
const AllocatedSize = 424

// Outcome tags the result of classifying raw account bytes during a bulk
// scan, so "skip silently" vs "skip and count as anomaly" is a deliberate
// branch rather than an accident of error handling.
type Outcome int

const (
	// OutcomeOK means the bytes decoded as a vault.
	OutcomeOK Outcome = iota

	// OutcomeNotVault means the bytes belong to some other account type
	// sharing the program. Expected during scans, skipped silently.
	OutcomeNotVault

	// OutcomeCorrupt means the discriminator matched but the record failed
	// to decode. Logged and counted, never fatal to a scan.
	OutcomeCorrupt
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotVault:
		return "not_vault"
	case OutcomeCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// cursor walks a byte buffer without ever indexing past its end.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) take(n int, field string) ([]byte, error) {
	if c.remaining() < n {
		return nil, fmt.Errorf("reading %s at offset %d: %w", field, c.off, ErrTruncatedField)
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u32(field string) (uint32, error) {
	b, err := c.take(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64(field string) (uint64, error) {
	b, err := c.take(8, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// i64 reads a signed little-endian 64-bit value. Timestamps are never
// negative in practice, but a corrupt or adversarial account can encode one
// and decode must pass it through rather than crash.
func (c *cursor) i64(field string) (int64, error) {
	u, err := c.u64(field)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}

func (c *cursor) byte(field string) (byte, error) {
	b, err := c.take(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) str(field string) (string, error) {
	n, err := c.u32(field + " length")
	if err != nil {
		return "", err
	}
	b, err := c.take(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *cursor) skipStr(field string) error {
	n, err := c.u32(field + " length")
	if err != nil {
		return err
	}
	_, err = c.take(int(n), field)
	return err
}

// optionAddress reads a 1-byte presence flag followed by 32 key bytes when
// the flag is set.
func (c *cursor) optionAddress(field string) (*vaultwatch.Address, error) {
	flag, err := c.byte(field + " flag")
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	raw, err := c.take(vaultwatch.AddressSize, field)
	if err != nil {
		return nil, err
	}
	addr, err := vaultwatch.AddressFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

func (c *cursor) address(field string) (vaultwatch.Address, error) {
	raw, err := c.take(vaultwatch.AddressSize, field)
	if err != nil {
		return vaultwatch.Address{}, err
	}
	return vaultwatch.AddressFromBytes(raw)
}

func checkPrefix(data []byte) error {
	if len(data) < len(Discriminator) {
		return ErrTooShort
	}
	if !bytes.Equal(data[:len(Discriminator)], Discriminator[:]) {
		return ErrBadDiscriminator
	}
	if len(data) < MinVaultSize {
		return ErrTooShort
	}
	return nil
}

// Decode parses raw account bytes into a Vault.
//
// The extension fields (name onward) were added after the initial program
// deployment; a buffer that ends cleanly before them decodes with zero
// values for the missing tail. Trailing bytes beyond the record are ignored,
// since ledger accounts are allocated at a fixed size and zero-padded.
func Decode(data []byte) (*Vault, error) {
	if err := checkPrefix(data); err != nil {
		return nil, err
	}

	c := &cursor{buf: data, off: len(Discriminator)}
	v := &Vault{}

	var err error
	if v.Owner, err = c.address("owner"); err != nil {
		return nil, err
	}
	if v.Recipient, err = c.address("recipient"); err != nil {
		return nil, err
	}
	if v.IPFSCid, err = c.str("ipfs_cid"); err != nil {
		return nil, err
	}
	if v.EncryptedKey, err = c.str("encrypted_key"); err != nil {
		return nil, err
	}
	if v.TimeInterval, err = c.i64("time_interval"); err != nil {
		return nil, err
	}
	if v.LastCheckIn, err = c.i64("last_check_in"); err != nil {
		return nil, err
	}
	released, err := c.byte("is_released")
	if err != nil {
		return nil, err
	}
	v.IsReleased = released == 1
	if v.VaultSeed, err = c.u64("vault_seed"); err != nil {
		return nil, err
	}
	if v.Bump, err = c.byte("bump"); err != nil {
		return nil, err
	}
	if v.Delegate, err = c.optionAddress("delegate"); err != nil {
		return nil, err
	}
	if v.BountyLamports, err = c.u64("bounty_lamports"); err != nil {
		return nil, err
	}

	// Extension tail. Each field is present only if the record continues.
	if c.remaining() == 0 {
		return v, nil
	}
	if v.Name, err = c.str("name"); err != nil {
		return nil, err
	}
	if c.remaining() == 0 {
		return v, nil
	}
	if v.LockedLamports, err = c.u64("locked_lamports"); err != nil {
		return nil, err
	}
	if c.remaining() == 0 {
		return v, nil
	}
	if v.TokenMint, err = c.optionAddress("token_mint"); err != nil {
		return nil, err
	}
	if c.remaining() == 0 {
		return v, nil
	}
	if v.LockedTokens, err = c.u64("locked_tokens"); err != nil {
		return nil, err
	}

	return v, nil
}

// DecodePartial extracts only the fields bulk scanners need, skipping over
// the two variable-length strings to reach the fixed tail.
func DecodePartial(data []byte) (*PartialStatus, error) {
	if err := checkPrefix(data); err != nil {
		return nil, err
	}

	c := &cursor{buf: data, off: len(Discriminator)}
	p := &PartialStatus{}

	var err error
	if p.Owner, err = c.address("owner"); err != nil {
		return nil, err
	}
	if p.Recipient, err = c.address("recipient"); err != nil {
		return nil, err
	}
	if err = c.skipStr("ipfs_cid"); err != nil {
		return nil, err
	}
	if err = c.skipStr("encrypted_key"); err != nil {
		return nil, err
	}
	if p.TimeInterval, err = c.i64("time_interval"); err != nil {
		return nil, err
	}
	if p.LastCheckIn, err = c.i64("last_check_in"); err != nil {
		return nil, err
	}
	released, err := c.byte("is_released")
	if err != nil {
		return nil, err
	}
	p.IsReleased = released == 1

	return p, nil
}

// Classify decodes raw account bytes into a tagged outcome for scan loops.
// Buffers too short to hold a discriminator, or with a foreign one, are
// OutcomeNotVault; a matching discriminator that fails to decode is
// OutcomeCorrupt.
func Classify(data []byte) (Outcome, *Vault, error) {
	if len(data) < len(Discriminator) || !bytes.Equal(data[:len(Discriminator)], Discriminator[:]) {
		return OutcomeNotVault, nil, ErrBadDiscriminator
	}
	v, err := Decode(data)
	if err != nil {
		return OutcomeCorrupt, nil, err
	}
	return OutcomeOK, v, nil
}

// Encode serializes a Vault into its wire representation. Decode(Encode(v))
// is byte-exact for the fields that were set; no trailing padding is added.
func Encode(v *Vault) []byte {
	size := MinVaultSize + len(v.IPFSCid) + len(v.EncryptedKey) + 8 + 1 + 1 + 8 + 4 + len(v.Name) + 8 + 1 + 8
	if v.Delegate != nil {
		size += vaultwatch.AddressSize
	}
	if v.TokenMint != nil {
		size += vaultwatch.AddressSize
	}

	buf := make([]byte, 0, size)
	buf = append(buf, Discriminator[:]...)
	buf = append(buf, v.Owner[:]...)
	buf = append(buf, v.Recipient[:]...)
	buf = appendString(buf, v.IPFSCid)
	buf = appendString(buf, v.EncryptedKey)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(v.TimeInterval))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(v.LastCheckIn))
	buf = appendBool(buf, v.IsReleased)
	buf = binary.LittleEndian.AppendUint64(buf, v.VaultSeed)
	buf = append(buf, v.Bump)
	buf = appendOption(buf, v.Delegate)
	buf = binary.LittleEndian.AppendUint64(buf, v.BountyLamports)
	buf = appendString(buf, v.Name)
	buf = binary.LittleEndian.AppendUint64(buf, v.LockedLamports)
	buf = appendOption(buf, v.TokenMint)
	buf = binary.LittleEndian.AppendUint64(buf, v.LockedTokens)

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s))) //nolint:gosec // account strings are bounded on-chain
	return append(buf, s...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendOption(buf []byte, a *vaultwatch.Address) []byte {
	if a == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return append(buf, a[:]...)
}
