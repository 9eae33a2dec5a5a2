package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func testKeypair(t *testing.T) (*KeypairSigner, ed25519.PublicKey) {
	t.Helper()

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	key := ed25519.NewKeyFromSeed(seed)

	signer, err := NewKeypairSigner(key)
	require.NoError(t, err)
	return signer, key.Public().(ed25519.PublicKey)
}

func testBlockhash() string {
	var h [32]byte
	for i := range h {
		h[i] = byte(200 - i)
	}
	return base58.Encode(h[:])
}

func TestKeypairSignerAddress(t *testing.T) {
	signer, pub := testKeypair(t)
	require.Equal(t, []byte(pub), signer.Address().Bytes())
}

func TestSignProducesVerifiableTransaction(t *testing.T) {
	signer, pub := testKeypair(t)

	ins := NewTriggerRelease(testAddr(99), testAddr(10), signer.Address())

	tx, err := signer.Sign(ins, testBlockhash())
	require.NoError(t, err)

	// Layout: signature count, one 64-byte signature, then the message.
	require.Equal(t, byte(1), tx[0])
	signature := tx[1:65]
	message := tx[65:]

	require.True(t, ed25519.Verify(pub, message, signature))
}

func TestSignMessageLayout(t *testing.T) {
	signer, _ := testKeypair(t)

	program := testAddr(99)
	vault := testAddr(10)
	ins := NewTriggerRelease(program, vault, signer.Address())

	tx, err := signer.Sign(ins, testBlockhash())
	require.NoError(t, err)
	msg := tx[65:]

	// Header: one required signature, no readonly signed, one readonly
	// unsigned (the program).
	require.Equal(t, byte(1), msg[0])
	require.Equal(t, byte(0), msg[1])
	require.Equal(t, byte(1), msg[2])

	// Three account keys: payer first, then the writable vault, program last.
	require.Equal(t, byte(3), msg[3])
	require.Equal(t, signer.Address().Bytes(), msg[4:36])
	require.Equal(t, vault.Bytes(), msg[36:68])
	require.Equal(t, program.Bytes(), msg[68:100])

	// Recent blockhash follows the keys.
	blockhash, err := base58.Decode(testBlockhash())
	require.NoError(t, err)
	require.Equal(t, blockhash, msg[100:132])

	// One instruction: program index 2, two account indices (vault, payer),
	// then the 8-byte method tag.
	require.Equal(t, byte(1), msg[132])
	require.Equal(t, byte(2), msg[133])
	require.Equal(t, byte(2), msg[134])
	require.Equal(t, []byte{1, 0}, msg[135:137])
	require.Equal(t, byte(8), msg[137])
	require.Equal(t, methodTag("trigger_release"), msg[138:146])
	require.Len(t, msg, 146)
}

func TestSignRejectsForeignSigner(t *testing.T) {
	signer, _ := testKeypair(t)

	ins := NewTriggerRelease(testAddr(99), testAddr(10), testAddr(77))

	_, err := signer.Sign(ins, testBlockhash())
	require.ErrorContains(t, err, "requires signer")
}

func TestSignRejectsBadBlockhash(t *testing.T) {
	signer, _ := testKeypair(t)
	ins := NewTriggerRelease(testAddr(99), testAddr(10), signer.Address())

	_, err := signer.Sign(ins, "not-base58-!!!")
	require.Error(t, err)

	_, err = signer.Sign(ins, base58.Encode([]byte{1, 2, 3}))
	require.ErrorContains(t, err, "want 32")
}

func TestLoadKeypair(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 50)
	}
	key := ed25519.NewKeyFromSeed(seed)

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	path := filepath.Join(t.TempDir(), "payer.json")
	data, err := json.Marshal(ints)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	signer, err := LoadKeypair(path)
	require.NoError(t, err)
	require.Equal(t, []byte(key.Public().(ed25519.PublicKey)), signer.Address().Bytes())
}

func TestLoadKeypairErrors(t *testing.T) {
	_, err := LoadKeypair(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "short.json")
	require.NoError(t, os.WriteFile(path, []byte("[1,2,3]"), 0o600))
	_, err = LoadKeypair(path)
	require.ErrorContains(t, err, "want 64")
}

func TestCompactU16(t *testing.T) {
	require.Equal(t, []byte{0}, appendCompactU16(nil, 0))
	require.Equal(t, []byte{0x7f}, appendCompactU16(nil, 127))
	require.Equal(t, []byte{0x80, 0x01}, appendCompactU16(nil, 128))
	require.Equal(t, []byte{0xff, 0x7f}, appendCompactU16(nil, 16383))
}
