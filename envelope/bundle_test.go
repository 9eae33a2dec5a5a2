package envelope

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyBundle(t *testing.T) {
	bundle := Bundle{
		Items: []Item{
			{ID: "1", Name: "letter", Type: "text", MimeType: "text/plain", Size: 5, Data: base64.StdEncoding.EncodeToString([]byte("hello")), CreatedAt: 1700000000},
			{ID: "2", Name: "photo", Type: "image", MimeType: "image/png", Size: 3, Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), CreatedAt: 1700000001},
		},
		Metadata: BundleMetadata{TotalSize: 8, ItemCount: 2},
	}
	payload, err := json.Marshal(bundle)
	require.NoError(t, err)

	content, err := Classify(Metadata{FileName: BundleFileName, FileType: "application/json"}, payload)
	require.NoError(t, err)
	require.Equal(t, KindBundle, content.Kind)
	require.NotNil(t, content.Bundle)
	require.Len(t, content.Bundle.Items, 2)
	require.Equal(t, 2, content.Bundle.Metadata.ItemCount)
	require.Nil(t, content.Data)
}

func TestClassifySingleText(t *testing.T) {
	content, err := Classify(Metadata{FileName: "note.txt", FileType: "text/plain"}, []byte("dear reader"))
	require.NoError(t, err)
	require.Equal(t, KindText, content.Kind)
	require.Equal(t, []byte("dear reader"), content.Data)
	require.Nil(t, content.Bundle)
}

func TestClassifySingleBinary(t *testing.T) {
	for _, fileType := range []string{"image/png", "video/mp4", "application/pdf", ""} {
		content, err := Classify(Metadata{FileName: "f", FileType: fileType}, []byte{0xde, 0xad})
		require.NoError(t, err)
		require.Equal(t, KindBinary, content.Kind, "fileType=%s", fileType)
	}
}

func TestClassifyBundleNameWinsOverFileType(t *testing.T) {
	payload, err := json.Marshal(Bundle{Metadata: BundleMetadata{ItemCount: 0}})
	require.NoError(t, err)

	// Even a text/ fileType is a bundle when the reserved name matches.
	content, err := Classify(Metadata{FileName: BundleFileName, FileType: "text/plain"}, payload)
	require.NoError(t, err)
	require.Equal(t, KindBundle, content.Kind)
}

func TestClassifyMalformedBundle(t *testing.T) {
	_, err := Classify(Metadata{FileName: BundleFileName, FileType: "application/json"}, []byte("{broken"))
	require.Error(t, err)
}

func TestOpenEndToEndPasswordBundle(t *testing.T) {
	bundle := Bundle{
		Items:    []Item{{ID: "1", Name: "n", Type: "text", MimeType: "text/plain", Size: 2, Data: "aGk=", CreatedAt: 1}},
		Metadata: BundleMetadata{TotalSize: 2, ItemCount: 1},
	}
	payload, err := json.Marshal(bundle)
	require.NoError(t, err)

	env, err := SealWithPassword(payload, Metadata{FileName: BundleFileName, FileType: "application/json"}, "pw")
	require.NoError(t, err)

	content, err := env.Open("pw", "")
	require.NoError(t, err)
	require.Equal(t, KindBundle, content.Kind)
	require.Equal(t, 1, content.Bundle.Metadata.ItemCount)
}

func TestOpenEndToEndWalletText(t *testing.T) {
	const recipient = "7YmkG8vRqP4sTx2WdNc5uJhAeZ3fBqLo9iK1nM6pQrSt"

	env, err := SealWithWallet([]byte("goodbye"), Metadata{FileName: "letter.txt", FileType: "text/markdown"}, recipient, "9")
	require.NoError(t, err)

	content, err := env.Open("", recipient)
	require.NoError(t, err)
	require.Equal(t, KindText, content.Kind)
	require.Equal(t, []byte("goodbye"), content.Data)

	_, err = env.Open("", "someone-else")
	require.ErrorIs(t, err, ErrNotAuthorized)
}
