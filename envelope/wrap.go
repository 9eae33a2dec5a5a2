package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the symmetric content key (AES-256).
	KeySize = 32

	// pbkdf2Iterations matches the envelope format in the wild; changing it
	// would orphan every version 2 envelope already uploaded.
	pbkdf2Iterations = 100000

	saltSize  = 16
	nonceSize = 12

	// walletKeyContext is the domain-separation prefix for wallet-derived
	// wrapper keys. Part of the version 3 wire format.
	walletKeyContext = "DEADMAN_SWITCH_V1"
)

// deriveWrapperKey derives an AES-256 wrapping key from a password.
func deriveWrapperKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, KeySize, sha256.New)
}

// deriveWalletKey derives the wrapping key from the recipient's base58
// address and the vault seed. Deterministic: the same recipient and seed
// always produce the same key, which is what lets the recipient unwrap
// without any stored secret.
func deriveWalletKey(recipientPubkey, vaultSeed string) []byte {
	sum := sha256.Sum256([]byte(walletKeyContext + ":" + recipientPubkey + ":" + vaultSeed))
	return sum[:]
}

func sealGCM(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// openGCM decrypts and authenticates. Any failure collapses to
// ErrUnwrapFailed: wrong key, wrong nonce and corrupt ciphertext are
// indistinguishable by design.
func openGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return plaintext, nil
}

func b64decode(field, s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", field, ErrMalformedWrapper)
	}
	return raw, nil
}

// Unwrap recovers the content key from a password-derived wrap. A wrong
// password and corrupted wrap data both return ErrUnwrapFailed.
func (w *WrappedKeyData) Unwrap(password string) ([]byte, error) {
	salt, err := b64decode("salt", w.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := b64decode("iv", w.IV)
	if err != nil {
		return nil, err
	}
	wrapped, err := b64decode("wrappedKey", w.WrappedKey)
	if err != nil {
		return nil, err
	}

	key, err := openGCM(deriveWrapperKey(password, salt), nonce, wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, ErrUnwrapFailed
	}
	return key, nil
}

// Unwrap recovers the content key for the given holder address. The holder
// must match the recipient baked into the wrap; any other address, however
// well-formed, is refused before any cryptography runs.
func (w *WalletKeyData) Unwrap(holderAddress string) ([]byte, error) {
	if holderAddress != w.RecipientPubkey {
		return nil, ErrNotAuthorized
	}

	nonce, err := b64decode("iv", w.IV)
	if err != nil {
		return nil, err
	}
	wrapped, err := b64decode("wrappedKey", w.WrappedKey)
	if err != nil {
		return nil, err
	}

	key, err := openGCM(deriveWalletKey(w.RecipientPubkey, w.VaultSeed), nonce, wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, ErrUnwrapFailed
	}
	return key, nil
}

// UnwrapKey recovers the content key from the envelope. Password-mode
// envelopes use password; wallet-mode envelopes use holderAddress.
func (e *Envelope) UnwrapKey(password, holderAddress string) ([]byte, error) {
	switch e.Version {
	case VersionPassword:
		if e.KeyWrapper == nil {
			return nil, ErrMalformedWrapper
		}
		return e.KeyWrapper.Unwrap(password)
	case VersionWallet:
		if e.WalletKey == nil {
			return nil, ErrMalformedWrapper
		}
		return e.WalletKey.Unwrap(holderAddress)
	default:
		return nil, ErrUnsupportedVersion
	}
}

// Decrypt recovers the content plaintext using an unwrapped key.
func (e *Envelope) Decrypt(key []byte) ([]byte, error) {
	if e.EncryptedFile == nil {
		return nil, ErrMalformedWrapper
	}
	nonce, err := b64decode("iv", e.EncryptedFile.IV)
	if err != nil {
		return nil, err
	}
	ciphertext, err := b64decode("ciphertext", e.EncryptedFile.Ciphertext)
	if err != nil {
		return nil, err
	}
	return openGCM(key, nonce, ciphertext)
}

// SealWithPassword builds a complete version 2 envelope: a fresh content
// key encrypts the plaintext, and the key is wrapped under a
// password-derived key.
func SealWithPassword(plaintext []byte, meta Metadata, password string) (*Envelope, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating content key: %w", err)
	}

	ciphertext, nonce, err := sealGCM(key, plaintext)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	wrapped, wrapNonce, err := sealGCM(deriveWrapperKey(password, salt), key)
	if err != nil {
		return nil, err
	}

	fillMetadata(&meta, plaintext)

	return &Envelope{
		Version: VersionPassword,
		KeyWrapper: &WrappedKeyData{
			WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
			Salt:       base64.StdEncoding.EncodeToString(salt),
			IV:         base64.StdEncoding.EncodeToString(wrapNonce),
		},
		EncryptedFile: &EncryptedData{
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
			IV:         base64.StdEncoding.EncodeToString(nonce),
		},
		Metadata: meta,
	}, nil
}

// SealWithWallet builds a complete version 3 envelope keyed to the
// recipient's address and the vault seed.
func SealWithWallet(plaintext []byte, meta Metadata, recipientPubkey, vaultSeed string) (*Envelope, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating content key: %w", err)
	}

	ciphertext, nonce, err := sealGCM(key, plaintext)
	if err != nil {
		return nil, err
	}

	wrapped, wrapNonce, err := sealGCM(deriveWalletKey(recipientPubkey, vaultSeed), key)
	if err != nil {
		return nil, err
	}

	fillMetadata(&meta, plaintext)

	return &Envelope{
		Version: VersionWallet,
		Mode:    ModeWallet,
		WalletKey: &WalletKeyData{
			WrappedKey:      base64.StdEncoding.EncodeToString(wrapped),
			IV:              base64.StdEncoding.EncodeToString(wrapNonce),
			RecipientPubkey: recipientPubkey,
			VaultSeed:       vaultSeed,
		},
		EncryptedFile: &EncryptedData{
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
			IV:         base64.StdEncoding.EncodeToString(nonce),
		},
		Metadata: meta,
	}, nil
}

func fillMetadata(meta *Metadata, plaintext []byte) {
	if meta.Size == 0 {
		meta.Size = int64(len(plaintext))
	}
	if meta.EncryptedAt == "" {
		meta.EncryptedAt = time.Now().UTC().Format(time.RFC3339)
	}
}
