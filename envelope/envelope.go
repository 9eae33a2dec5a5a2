// Package envelope implements the off-chain key envelope formats.
//
// An envelope wraps the symmetric content key so that only the intended
// party can recover it: version 2 derives the wrapping key from a password,
// version 3 from the recipient's wallet address and the vault seed. The
// on-chain account never stores wrapped key material, only a reference;
// the envelope itself lives in content-addressed storage next to the
// ciphertext.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope versions. Password and wallet mode coexist and evolve
// independently; anything else is unsupported.
const (
	VersionPassword = 2
	VersionWallet   = 3
)

// ModeWallet is the required mode tag on version 3 envelopes.
const ModeWallet = "wallet"

var (
	// ErrUnsupportedVersion is returned for envelope versions other than
	// {2, 3}, or a v3 envelope whose mode is not "wallet". User-facing as
	// "unsupported vault format".
	ErrUnsupportedVersion = errors.New("unsupported envelope version")

	// ErrMalformedWrapper is returned when the wrapper sub-object required
	// by the envelope's version is missing or incomplete.
	ErrMalformedWrapper = errors.New("malformed key wrapper")

	// ErrUnwrapFailed is returned when key unwrap or content decryption
	// fails integrity checking. Deliberately generic: a wrong password is
	// indistinguishable from corrupted data, so no oracle leaks which.
	ErrUnwrapFailed = errors.New("decryption failed")

	// ErrNotAuthorized is returned when the holder address does not match
	// the address baked into a wallet-mode wrap at creation time.
	ErrNotAuthorized = errors.New("holder does not match vault recipient")
)

// EncryptedData carries AES-GCM ciphertext for the actual content, either a
// single file or a JSON bundle of multiple items.
type EncryptedData struct {
	Ciphertext string `json:"ciphertext"` // base64
	IV         string `json:"iv"`         // base64
}

// WrappedKeyData is a password-derived key wrap (version 2).
type WrappedKeyData struct {
	WrappedKey string `json:"wrappedKey"` // base64
	Salt       string `json:"salt"`       // base64
	IV         string `json:"iv"`         // base64
}

// WalletKeyData is a recipient-wallet-derived key wrap (version 3). The
// recipient address and vault seed are baked in at creation; unwrap is
// refused for any other holder.
type WalletKeyData struct {
	WrappedKey      string `json:"wrappedKey"`      // base64
	IV              string `json:"iv"`              // base64
	RecipientPubkey string `json:"recipientPubkey"` // base58
	VaultSeed       string `json:"vaultSeed"`
}

// Metadata describes the encrypted payload.
type Metadata struct {
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType"`
	Size        int64  `json:"size,omitempty"`
	Hint        string `json:"hint,omitempty"`
	EncryptedAt string `json:"encryptedAt,omitempty"`
}

// Envelope is the versioned JSON envelope stored off-chain.
type Envelope struct {
	Version       int             `json:"version"`
	Mode          string          `json:"mode,omitempty"`
	KeyWrapper    *WrappedKeyData `json:"keyWrapper,omitempty"`
	WalletKey     *WalletKeyData  `json:"walletKey,omitempty"`
	EncryptedFile *EncryptedData  `json:"encryptedFile"`
	Metadata      Metadata        `json:"metadata"`
}

// Parse decodes and validates an envelope, dispatching on version and mode.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	switch e.Version {
	case VersionPassword:
		if e.KeyWrapper == nil || e.KeyWrapper.WrappedKey == "" || e.KeyWrapper.Salt == "" || e.KeyWrapper.IV == "" {
			return nil, fmt.Errorf("version 2 envelope: %w", ErrMalformedWrapper)
		}
	case VersionWallet:
		if e.Mode != ModeWallet {
			return nil, fmt.Errorf("version 3 envelope with mode %q: %w", e.Mode, ErrUnsupportedVersion)
		}
		if e.WalletKey == nil || e.WalletKey.WrappedKey == "" || e.WalletKey.IV == "" || e.WalletKey.RecipientPubkey == "" {
			return nil, fmt.Errorf("version 3 envelope: %w", ErrMalformedWrapper)
		}
	default:
		return nil, fmt.Errorf("version %d: %w", e.Version, ErrUnsupportedVersion)
	}

	if e.EncryptedFile == nil || e.EncryptedFile.Ciphertext == "" || e.EncryptedFile.IV == "" {
		return nil, fmt.Errorf("missing encrypted file: %w", ErrMalformedWrapper)
	}

	return &e, nil
}

// Marshal serializes the envelope for upload to content storage.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
