package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BundleFileName is the reserved filename signalling that the decrypted
// payload is a multi-item bundle rather than a single opaque file.
const BundleFileName = "vault_bundle.json"

// Item is one named entry inside a bundle.
type Item struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	Data      string `json:"data"` // base64
	CreatedAt int64  `json:"createdAt"`
}

// BundleMetadata summarizes a bundle's contents.
type BundleMetadata struct {
	TotalSize int64 `json:"totalSize"`
	ItemCount int   `json:"itemCount"`
}

// Bundle is a multi-item payload packaged as one encrypted unit.
type Bundle struct {
	Items    []Item         `json:"items"`
	Metadata BundleMetadata `json:"metadata"`
}

// ContentKind classifies decrypted content for dispatch.
type ContentKind int

const (
	// KindBundle is a multi-item bundle.
	KindBundle ContentKind = iota

	// KindText is a single text payload (fileType text/*).
	KindText

	// KindBinary is a single opaque binary or media payload.
	KindBinary
)

func (k ContentKind) String() string {
	switch k {
	case KindBundle:
		return "bundle"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Content is a decrypted payload classified for the caller. Exactly one of
// Bundle or Data is meaningful depending on Kind.
type Content struct {
	Kind     ContentKind
	Metadata Metadata
	Bundle   *Bundle
	Data     []byte
}

// Classify dispatches decrypted plaintext on the envelope metadata. The
// reserved bundle filename wins over the declared file type; anything else
// is a single item, text or binary by fileType prefix. Callers must branch
// on Kind before treating the payload as a single blob.
func Classify(meta Metadata, plaintext []byte) (*Content, error) {
	if meta.FileName == BundleFileName {
		var b Bundle
		if err := json.Unmarshal(plaintext, &b); err != nil {
			return nil, fmt.Errorf("parsing bundle: %w", err)
		}
		return &Content{Kind: KindBundle, Metadata: meta, Bundle: &b}, nil
	}

	kind := KindBinary
	if strings.HasPrefix(meta.FileType, "text/") {
		kind = KindText
	}
	return &Content{Kind: kind, Metadata: meta, Data: plaintext}, nil
}

// Open unwraps the key, decrypts the content and classifies it in one step.
// Password-mode envelopes use password; wallet-mode envelopes use
// holderAddress.
func (e *Envelope) Open(password, holderAddress string) (*Content, error) {
	key, err := e.UnwrapKey(password, holderAddress)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.Decrypt(key)
	if err != nil {
		return nil, err
	}
	return Classify(e.Metadata, plaintext)
}
