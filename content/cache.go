package content

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	vaultwatch "github.com/keeperhq/vaultwatch"
)

const (
	// compressionThreshold is the minimum payload size before compression
	// is attempted; zstd overhead isn't worth it below this.
	compressionThreshold = 2048

	// maxDecompressedSize caps decompression to guard against a corrupted
	// length header turning into a memory bomb.
	maxDecompressedSize = 64 * 1024 * 1024
)

var contentBucket = []byte("content")

// Cached entry layout: FLAG (1 byte: 0=raw, 1=zstd) | DIGEST (32 bytes,
// BLAKE3 of the raw payload) | RAWLEN (8 bytes little-endian) | BODY.

// CachedStore wraps a Store with a local bbolt cache. Content is immutable
// by address, so entries never expire; they are only dropped if digest
// verification fails on read, which means local corruption.
type CachedStore struct {
	inner   Store
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// OpenCachedStore opens (or creates) the cache database at path, wrapping
// inner.
func OpenCachedStore(path string, inner Store, logger *slog.Logger) (*CachedStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening content cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(contentBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
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

	return &CachedStore{
		inner:   inner,
		db:      db,
		encoder: encoder,
		decoder: decoder,
		logger:  logger,
	}, nil
}

// Close releases the cache database and codec resources.
func (c *CachedStore) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.db.Close()
}

// Fetch implements Store: cache hit with digest verification, upstream on
// miss. A verification failure drops the entry and falls through to the
// upstream rather than serving corrupt bytes.
func (c *CachedStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	if data, ok := c.lookup(cid); ok {
		return data, nil
	}

	data, err := c.inner.Fetch(ctx, cid)
	if err != nil {
		return nil, err
	}

	if err := c.put(cid, data); err != nil {
		// Caching is best-effort; the fetch itself succeeded.
		c.logger.Warn("failed to cache content", "cid", cid, "error", err)
	}
	return data, nil
}

// Upload implements Store, writing through and priming the cache.
func (c *CachedStore) Upload(ctx context.Context, data []byte) (string, error) {
	cid, err := c.inner.Upload(ctx, data)
	if err != nil {
		return "", err
	}
	if err := c.put(cid, data); err != nil {
		c.logger.Warn("failed to cache uploaded content", "cid", cid, "error", err)
	}
	return cid, nil
}

func (c *CachedStore) lookup(cid string) ([]byte, bool) {
	var entry []byte
	_ = c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(contentBucket).Get([]byte(cid)); v != nil {
			entry = make([]byte, len(v))
			copy(entry, v)
		}
		return nil
	})
	if entry == nil {
		return nil, false
	}

	data, err := c.decodeEntry(entry)
	if err != nil {
		c.logger.Warn("dropping corrupt cache entry", "cid", cid, "error", err)
		_ = c.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(contentBucket).Delete([]byte(cid))
		})
		return nil, false
	}
	return data, true
}

func (c *CachedStore) put(cid string, data []byte) error {
	entry := c.encodeEntry(data)
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(contentBucket).Put([]byte(cid), entry)
	})
}

func (c *CachedStore) encodeEntry(data []byte) []byte {
	digest := vaultwatch.DigestBytes(data)

	flag := byte(0)
	body := data
	if len(data) >= compressionThreshold {
		compressed := c.encoder.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			flag = 1
			body = compressed
		}
	}

	entry := make([]byte, 0, 1+vaultwatch.DigestSize+8+len(body))
	entry = append(entry, flag)
	entry = append(entry, digest[:]...)
	entry = binary.LittleEndian.AppendUint64(entry, uint64(len(data)))
	return append(entry, body...)
}

func (c *CachedStore) decodeEntry(entry []byte) ([]byte, error) {
	if len(entry) < 1+vaultwatch.DigestSize+8 {
		return nil, fmt.Errorf("cache entry too short")
	}
	flag := entry[0]
	var digest vaultwatch.Digest
	copy(digest[:], entry[1:1+vaultwatch.DigestSize])
	rawLen := binary.LittleEndian.Uint64(entry[1+vaultwatch.DigestSize:])
	body := entry[1+vaultwatch.DigestSize+8:]

	if rawLen > maxDecompressedSize {
		return nil, fmt.Errorf("cache entry declares %d bytes, over limit", rawLen)
	}

	var data []byte
	switch flag {
	case 0:
		data = body
	case 1:
		var err error
		data, err = c.decoder.DecodeAll(body, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("decompressing cache entry: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown cache entry encoding %d", flag)
	}

	if uint64(len(data)) != rawLen {
		return nil, fmt.Errorf("cache entry length mismatch: declared %d, got %d", rawLen, len(data))
	}
	if vaultwatch.DigestBytes(data) != digest {
		return nil, fmt.Errorf("cache entry digest mismatch")
	}
	return data, nil
}
