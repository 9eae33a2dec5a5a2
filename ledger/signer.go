package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

// KeypairSigner signs transactions with a local ed25519 keypair. Suitable
// for agents running with their own funded key; anything holding user keys
// belongs behind a different Signer.
type KeypairSigner struct {
	key     ed25519.PrivateKey
	address vaultwatch.Address
}

// NewKeypairSigner wraps an ed25519 private key.
func NewKeypairSigner(key ed25519.PrivateKey) (*KeypairSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(key))
	}
	address, err := vaultwatch.AddressFromBytes(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &KeypairSigner{key: key, address: address}, nil
}

// LoadKeypair reads a keypair file in the common JSON byte-array format
// (64 bytes: 32-byte seed followed by the 32-byte public key).
func LoadKeypair(path string) (*KeypairSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keypair file: %w", err)
	}

	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("parsing keypair file: %w", err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair file holds %d bytes, want %d", len(ints), ed25519.PrivateKeySize)
	}

	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair file byte %d out of range", i)
		}
		key[i] = byte(v)
	}
	return NewKeypairSigner(key)
}

// Address implements Signer.
func (s *KeypairSigner) Address() vaultwatch.Address {
	return s.address
}

// Sign implements Signer, producing a single-signer legacy wire
// transaction: signature count, signatures, then the serialized message.
func (s *KeypairSigner) Sign(ins Instruction, recentBlockhash string) ([]byte, error) {
	message, err := s.buildMessage(ins, recentBlockhash)
	if err != nil {
		return nil, err
	}

	signature := ed25519.Sign(s.key, message)

	tx := make([]byte, 0, 1+len(signature)+len(message))
	tx = appendCompactU16(tx, 1)
	tx = append(tx, signature...)
	return append(tx, message...), nil
}

// buildMessage serializes the legacy message format: header, account keys,
// recent blockhash, compiled instructions. The signing key is the sole
// signer and fee payer, so it always sits at index 0.
func (s *KeypairSigner) buildMessage(ins Instruction, recentBlockhash string) ([]byte, error) {
	blockhash, err := base58.Decode(recentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("decoding blockhash: %w", err)
	}
	if len(blockhash) != 32 {
		return nil, fmt.Errorf("blockhash is %d bytes, want 32", len(blockhash))
	}

	for _, meta := range ins.Accounts {
		if meta.IsSigner && meta.Address != s.address {
			return nil, fmt.Errorf("instruction requires signer %s, signer holds %s",
				meta.Address.Short(), s.address.Short())
		}
	}

	// Account ordering: fee payer, writable non-signers, readonly
	// non-signers, program last.
	keys := []vaultwatch.Address{s.address}
	index := map[vaultwatch.Address]int{s.address: 0}
	add := func(a vaultwatch.Address) {
		if _, ok := index[a]; !ok {
			index[a] = len(keys)
			keys = append(keys, a)
		}
	}

	var readonlyUnsigned uint8
	for _, meta := range ins.Accounts {
		if meta.IsWritable {
			add(meta.Address)
		}
	}
	for _, meta := range ins.Accounts {
		if !meta.IsWritable {
			if _, ok := index[meta.Address]; !ok {
				readonlyUnsigned++
			}
			add(meta.Address)
		}
	}
	if _, ok := index[ins.ProgramID]; !ok {
		readonlyUnsigned++
	}
	add(ins.ProgramID)

	msg := []byte{1, 0, readonlyUnsigned}
	msg = appendCompactU16(msg, len(keys))
	for _, key := range keys {
		msg = append(msg, key[:]...)
	}
	msg = append(msg, blockhash...)

	msg = appendCompactU16(msg, 1)
	msg = append(msg, byte(index[ins.ProgramID]))
	msg = appendCompactU16(msg, len(ins.Accounts))
	for _, meta := range ins.Accounts {
		msg = append(msg, byte(index[meta.Address]))
	}
	msg = appendCompactU16(msg, len(ins.Data))
	return append(msg, ins.Data...), nil
}

// appendCompactU16 appends the variable-width length encoding used by the
// wire format (7 bits per byte, high bit continues).
func appendCompactU16(b []byte, v int) []byte {
	for {
		if v < 0x80 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
}
