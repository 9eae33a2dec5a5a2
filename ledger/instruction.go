package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

// AccountMeta names one account an instruction touches.
type AccountMeta struct {
	Address    vaultwatch.Address
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation: the program to call, the
// accounts it may read or write, and its serialized arguments. Each vault
// operation has its own typed builder below, replacing the dynamic
// IDL-driven method dispatch the dashboard uses.
type Instruction struct {
	ProgramID vaultwatch.Address
	Accounts  []AccountMeta
	Data      []byte
}

// methodTag derives the 8-byte instruction discriminator from the method
// name, the same scheme the program's framework uses.
func methodTag(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// Instruction method names, fixed by the deployed program.
const (
	methodInitializeVault = "initialize_vault"
	methodPing            = "ping"
	methodUpdateVault     = "update_vault"
	methodTriggerRelease  = "trigger_release"
	methodClaimAndClose   = "claim_and_close"
	methodCloseVault      = "close_vault"
)

// InitializeVaultArgs are the creation arguments, serialized in program
// argument order after the method tag.
type InitializeVaultArgs struct {
	Seed         uint64
	IPFSCid      string
	EncryptedKey string
	Recipient    vaultwatch.Address
	TimeInterval int64
}

// NewInitializeVault builds the vault-creation instruction. The owner pays
// for and signs the creation; systemProgram is the ledger's account-creation
// program.
func NewInitializeVault(program, vault, owner, systemProgram vaultwatch.Address, args InitializeVaultArgs) Instruction {
	data := methodTag(methodInitializeVault)
	data = binary.LittleEndian.AppendUint64(data, args.Seed)
	data = appendArgString(data, args.IPFSCid)
	data = appendArgString(data, args.EncryptedKey)
	data = append(data, args.Recipient[:]...)
	data = binary.LittleEndian.AppendUint64(data, uint64(args.TimeInterval))

	return Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Address: vault, IsWritable: true},
			{Address: owner, IsSigner: true, IsWritable: true},
			{Address: systemProgram},
		},
		Data: data,
	}
}

// NewCheckIn builds the check-in (ping) instruction resetting the expiry
// clock. Signer must be the owner or delegate; the program enforces it.
func NewCheckIn(program, vault, signer vaultwatch.Address) Instruction {
	return Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Address: vault, IsWritable: true},
			{Address: signer, IsSigner: true},
		},
		Data: methodTag(methodPing),
	}
}

// UpdateVaultArgs are the settings an owner can change after creation. Nil
// fields are left untouched; each is serialized as an optional value the way
// the program expects.
type UpdateVaultArgs struct {
	Recipient    *vaultwatch.Address
	TimeInterval *int64
	Name         *string
}

// NewUpdateVault builds the settings-edit instruction. Only the owner may
// sign it; the program rejects anyone else.
func NewUpdateVault(program, vault, owner vaultwatch.Address, args UpdateVaultArgs) Instruction {
	data := methodTag(methodUpdateVault)
	if args.Recipient != nil {
		data = append(data, 1)
		data = append(data, args.Recipient[:]...)
	} else {
		data = append(data, 0)
	}
	if args.TimeInterval != nil {
		data = append(data, 1)
		data = binary.LittleEndian.AppendUint64(data, uint64(*args.TimeInterval))
	} else {
		data = append(data, 0)
	}
	if args.Name != nil {
		data = append(data, 1)
		data = appendArgString(data, *args.Name)
	} else {
		data = append(data, 0)
	}

	return Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Address: vault, IsWritable: true},
			{Address: owner, IsSigner: true},
		},
		Data: data,
	}
}

// NewTriggerRelease builds the permissionless release trigger. Any payer may
// submit it once the deadline has passed; the bounty is paid to the payer
// whose transaction lands first.
func NewTriggerRelease(program, vault, payer vaultwatch.Address) Instruction {
	return Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Address: vault, IsWritable: true},
			{Address: payer, IsSigner: true, IsWritable: true},
		},
		Data: methodTag(methodTriggerRelease),
	}
}

// NewClaimAndClose builds the recipient's claim instruction. The account's
// remaining balance transfers to the recipient and the account is closed.
func NewClaimAndClose(program, vault, recipient vaultwatch.Address) Instruction {
	return Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Address: vault, IsWritable: true},
			{Address: recipient, IsSigner: true, IsWritable: true},
		},
		Data: methodTag(methodClaimAndClose),
	}
}

// NewCloseVault builds the owner's close instruction, reclaiming rent
// before any release has happened.
func NewCloseVault(program, vault, owner vaultwatch.Address) Instruction {
	return Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			{Address: vault, IsWritable: true},
			{Address: owner, IsSigner: true, IsWritable: true},
		},
		Data: methodTag(methodCloseVault),
	}
}

func appendArgString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s))) //nolint:gosec // argument strings are bounded by the program
	return append(buf, s...)
}
