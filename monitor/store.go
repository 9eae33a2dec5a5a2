// Package monitor watches vaults for approaching deadlines and raises
// notifications as they escalate toward release.
package monitor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

var (
	noticesBucket   = []byte("notices")
	snapshotsBucket = []byte("snapshots")
	archiveBucket   = []byte("archive")
)

// VaultRecord is the last observed state of a vault, persisted between
// monitoring cycles so disappearances and check-ins can be detected.
type VaultRecord struct {
	Address   vaultwatch.Address `json:"address"`
	Owner     vaultwatch.Address `json:"owner"`
	Recipient vaultwatch.Address `json:"recipient"`
	Name      string             `json:"name,omitempty"`
	Deadline  time.Time          `json:"deadline"`
	Released  bool               `json:"released"`
	Bounty    uint64             `json:"bounty"`
	Lamports  uint64             `json:"lamports"`
	LastSeen  time.Time          `json:"last_seen"`
}

// ClaimRecord archives a vault that was released and has since been
// claimed and closed by its recipient. When the claim happened locally
// (an unlock on this machine) the content summary fields are filled in;
// for claims only observed on the ledger they stay zero.
type ClaimRecord struct {
	Address   vaultwatch.Address `json:"address"`
	Owner     vaultwatch.Address `json:"owner"`
	Recipient vaultwatch.Address `json:"recipient"`
	Name      string             `json:"name,omitempty"`
	Bounty    uint64             `json:"bounty"`
	ClaimedAt time.Time          `json:"claimed_at"`
	Items     int                `json:"items,omitempty"`
	TotalSize int64              `json:"total_size,omitempty"`
	FileTypes []string           `json:"file_types,omitempty"`
}

// Store persists monitoring state: which notifications have been sent,
// the last observed snapshot of each vault, and an archive of claimed
// vaults. Snapshot payloads are zstd-compressed.
type Store struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenStore opens (or creates) the monitor state database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening monitor store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{noticesBucket, snapshotsBucket, archiveBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating monitor buckets: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// noticeKey identifies one (vault, deadline, band) notification. Keying on
// the deadline means a check-in, which moves the deadline, naturally
// re-arms every band for that vault.
func noticeKey(address vaultwatch.Address, deadline time.Time, band Band) []byte {
	key := make([]byte, 0, len(address)+8+1)
	key = append(key, address[:]...)
	key = binary.BigEndian.AppendUint64(key, uint64(deadline.Unix()))
	return append(key, byte(band))
}

// Notified reports whether a notification for this vault, deadline and
// band has already been sent.
func (s *Store) Notified(address vaultwatch.Address, deadline time.Time, band Band) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(noticesBucket).Get(noticeKey(address, deadline, band)) != nil
		return nil
	})
	return found, err
}

// MarkNotified records that a notification has been sent.
func (s *Store) MarkNotified(address vaultwatch.Address, deadline time.Time, band Band, sentAt time.Time) error {
	value := binary.BigEndian.AppendUint64(nil, uint64(sentAt.Unix()))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(noticesBucket).Put(noticeKey(address, deadline, band), value)
	})
}

// PutRecord stores the latest observed state of a vault.
func (s *Store) PutRecord(rec *VaultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding vault record: %w", err)
	}
	compressed := s.encoder.EncodeAll(data, nil)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(rec.Address[:], compressed)
	})
}

// Record returns the last observed state of a vault, or nil if the vault
// has not been seen.
func (s *Store) Record(address vaultwatch.Address) (*VaultRecord, error) {
	var compressed []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(snapshotsBucket).Get(address[:]); v != nil {
			compressed = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if compressed == nil {
		return nil, nil
	}
	return s.decodeRecord(compressed)
}

// Records returns the last observed state of every tracked vault.
func (s *Store) Records() ([]*VaultRecord, error) {
	var blobs [][]byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(_, v []byte) error {
			blobs = append(blobs, append([]byte(nil), v...))
			return nil
		})
	}); err != nil {
		return nil, err
	}

	records := make([]*VaultRecord, 0, len(blobs))
	for _, blob := range blobs {
		rec, err := s.decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteRecord removes a vault's snapshot once it is no longer tracked.
func (s *Store) DeleteRecord(address vaultwatch.Address) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete(address[:])
	})
}

func (s *Store) decodeRecord(compressed []byte) (*VaultRecord, error) {
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing vault record: %w", err)
	}
	var rec VaultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding vault record: %w", err)
	}
	return &rec, nil
}

// Archive records a claimed vault.
func (s *Store) Archive(rec *ClaimRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding claim record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(archiveBucket).Put(rec.Address[:], data)
	})
}

// Claimed returns the archive of claimed vaults.
func (s *Store) Claimed() ([]*ClaimRecord, error) {
	var records []*ClaimRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(archiveBucket).ForEach(func(_, v []byte) error {
			var rec ClaimRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding claim record: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}
