package ledger

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

func testAddr(fill byte) vaultwatch.Address {
	var a vaultwatch.Address
	for i := range a {
		a[i] = fill
	}
	return a
}

// The deployed program derives instruction discriminators from the method
// name; the trigger_release bytes are a known vector observed on-chain.
func TestTriggerReleaseDiscriminator(t *testing.T) {
	ins := NewTriggerRelease(testAddr(1), testAddr(2), testAddr(3))
	require.Equal(t, []byte{88, 90, 186, 176, 161, 164, 227, 59}, ins.Data)
}

func TestCheckInInstruction(t *testing.T) {
	program, vault, signer := testAddr(1), testAddr(2), testAddr(3)
	ins := NewCheckIn(program, vault, signer)

	require.Equal(t, program, ins.ProgramID)
	require.Len(t, ins.Data, 8)
	require.Len(t, ins.Accounts, 2)
	require.Equal(t, vault, ins.Accounts[0].Address)
	require.True(t, ins.Accounts[0].IsWritable)
	require.False(t, ins.Accounts[0].IsSigner)
	require.Equal(t, signer, ins.Accounts[1].Address)
	require.True(t, ins.Accounts[1].IsSigner)
}

func TestTriggerReleasePayerSignsAndReceives(t *testing.T) {
	ins := NewTriggerRelease(testAddr(1), testAddr(2), testAddr(3))

	require.Len(t, ins.Accounts, 2)
	// The payer collects the bounty, so their account must be writable.
	require.True(t, ins.Accounts[1].IsSigner)
	require.True(t, ins.Accounts[1].IsWritable)
}

func TestClaimAndCloseInstruction(t *testing.T) {
	recipient := testAddr(7)
	ins := NewClaimAndClose(testAddr(1), testAddr(2), recipient)

	require.Equal(t, recipient, ins.Accounts[1].Address)
	require.True(t, ins.Accounts[1].IsSigner)
	require.True(t, ins.Accounts[1].IsWritable)
	require.Len(t, ins.Data, 8)
	require.NotEqual(t, NewCheckIn(testAddr(1), testAddr(2), recipient).Data, ins.Data)
}

func TestInitializeVaultArgsSerialization(t *testing.T) {
	recipient := testAddr(9)
	args := InitializeVaultArgs{
		Seed:         42,
		IPFSCid:      "bafy",
		EncryptedKey: "wallet:42",
		Recipient:    recipient,
		TimeInterval: 2592000,
	}
	ins := NewInitializeVault(testAddr(1), testAddr(2), testAddr(3), testAddr(0), args)

	data := ins.Data
	require.Len(t, data, 8+8+4+4+4+9+32+8)

	off := 8
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(data[off:]))
	off += 8

	cidLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	require.Equal(t, "bafy", string(data[off:off+int(cidLen)]))
	off += int(cidLen)

	keyLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	require.Equal(t, "wallet:42", string(data[off:off+int(keyLen)]))
	off += int(keyLen)

	require.Equal(t, recipient[:], data[off:off+32])
	off += 32
	require.Equal(t, uint64(2592000), binary.LittleEndian.Uint64(data[off:]))
}

func TestUpdateVaultOptionalArgs(t *testing.T) {
	program, vault, owner := testAddr(1), testAddr(2), testAddr(3)

	empty := NewUpdateVault(program, vault, owner, UpdateVaultArgs{})
	require.Len(t, empty.Data, 8+3)
	require.Equal(t, []byte{0, 0, 0}, empty.Data[8:])
	require.Len(t, empty.Accounts, 2)
	require.Equal(t, owner, empty.Accounts[1].Address)
	require.True(t, empty.Accounts[1].IsSigner)
	require.False(t, empty.Accounts[1].IsWritable)

	recipient := testAddr(9)
	interval := int64(604800)
	name := "estate"
	full := NewUpdateVault(program, vault, owner, UpdateVaultArgs{
		Recipient:    &recipient,
		TimeInterval: &interval,
		Name:         &name,
	})

	data := full.Data
	off := 8
	require.Equal(t, byte(1), data[off])
	off++
	require.Equal(t, recipient[:], data[off:off+32])
	off += 32
	require.Equal(t, byte(1), data[off])
	off++
	require.Equal(t, uint64(604800), binary.LittleEndian.Uint64(data[off:]))
	off += 8
	require.Equal(t, byte(1), data[off])
	off++
	require.Equal(t, uint32(len(name)), binary.LittleEndian.Uint32(data[off:]))
	off += 4
	require.Equal(t, name, string(data[off:off+len(name)]))
	require.Len(t, data, off+len(name))
}

func TestDistinctMethodTags(t *testing.T) {
	tags := map[string][]byte{
		"initialize": NewInitializeVault(testAddr(1), testAddr(2), testAddr(3), testAddr(0), InitializeVaultArgs{}).Data[:8],
		"ping":       NewCheckIn(testAddr(1), testAddr(2), testAddr(3)).Data[:8],
		"update":     NewUpdateVault(testAddr(1), testAddr(2), testAddr(3), UpdateVaultArgs{}).Data[:8],
		"trigger":    NewTriggerRelease(testAddr(1), testAddr(2), testAddr(3)).Data[:8],
		"claim":      NewClaimAndClose(testAddr(1), testAddr(2), testAddr(3)).Data[:8],
		"close":      NewCloseVault(testAddr(1), testAddr(2), testAddr(3)).Data[:8],
	}

	seen := map[string]string{}
	for name, tag := range tags {
		key := string(tag)
		require.NotContains(t, seen, key, "%s collides with %s", name, seen[key])
		seen[key] = name
	}
}
