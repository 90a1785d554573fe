package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ref2vec/internal/fingerprint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() *Manifest {
	m := New("COLL1", "Papers")
	m.AddItem(Item{
		ItemKey: "ITEM1",
		Title:   "First paper",
		Metadata: map[string]string{
			"author": "Doe",
			"year":   "2024",
		},
		Attachments: []Attachment{
			{AttachmentKey: "ATT1", Filename: "first.pdf", LocalPath: "/tmp/first.pdf", Status: StatusSuccess, FileSize: 1234, Source: SourceLocal},
			{AttachmentKey: "ATT2", Filename: "first-si.pdf", Status: StatusFailed, Error: "rate limited after 3 attempts"},
		},
	})
	m.AddItem(Item{
		ItemKey: "ITEM2",
		Title:   "Second paper",
		Attachments: []Attachment{
			{AttachmentKey: "ATT3", Filename: "second.pdf", LocalPath: "/tmp/second.pdf", Status: StatusSuccess, FileSize: 99, Source: SourceRemote},
		},
	})
	return m
}

func TestManifestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest-COLL1.json")
	m := sampleManifest()
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "COLL1", loaded.CollectionKey)
	assert.Equal(t, "Papers", loaded.CollectionName)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, "Doe", loaded.Items[0].Metadata["author"])
}

func TestManifestFingerprintOmittedUntilSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	m := sampleManifest()
	require.NoError(t, m.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "content_fingerprint",
		"unfingerprinted attachments must not serialize a zero-valued fingerprint")

	m.FindAttachment("ITEM1", "ATT1").ContentFingerprint = &fingerprint.Fingerprint{
		ContentHash: "deadbeef",
		FileMtime:   time.Now().UTC(),
		FileSize:    1234,
	}
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	att := loaded.FindAttachment("ITEM1", "ATT1")
	require.NotNil(t, att.ContentFingerprint)
	assert.Equal(t, "deadbeef", att.ContentFingerprint.ContentHash)
	assert.Nil(t, loaded.FindAttachment("ITEM2", "ATT3").ContentFingerprint)
}

func TestManifestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestManifestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestManifestValidateFailedWithoutError(t *testing.T) {
	m := New("C", "c")
	m.AddItem(Item{
		ItemKey:     "I",
		Attachments: []Attachment{{AttachmentKey: "A", Status: StatusFailed}},
	})
	assert.Error(t, m.Validate())
}

func TestManifestValidateUnknownStatus(t *testing.T) {
	m := New("C", "c")
	m.AddItem(Item{
		ItemKey:     "I",
		Attachments: []Attachment{{AttachmentKey: "A", Status: "done"}},
	})
	assert.Error(t, m.Validate())
}

func TestSuccessfulDownloads(t *testing.T) {
	m := sampleManifest()

	downloads := m.SuccessfulDownloads()
	require.Len(t, downloads, 2)
	assert.Equal(t, "ITEM1", downloads[0].Item.ItemKey)
	assert.Equal(t, "ATT1", downloads[0].Attachment.AttachmentKey)
	assert.Equal(t, "ITEM2", downloads[1].Item.ItemKey)

	assert.Equal(t, []string{"/tmp/first.pdf", "/tmp/second.pdf"}, m.AllLocalPaths())

	success, failed, pending := m.Counts()
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, pending)
}

func TestFindAttachment(t *testing.T) {
	m := sampleManifest()

	att := m.FindAttachment("ITEM1", "ATT2")
	require.NotNil(t, att)
	assert.Equal(t, StatusFailed, att.Status)

	assert.Nil(t, m.FindAttachment("ITEM1", "NOPE"))
	assert.Nil(t, m.FindAttachment("NOPE", "ATT1"))

	// The returned pointer mutates the manifest in place, which Phase A
	// relies on when marking retried attachments.
	att.Status = StatusSuccess
	att.Error = ""
	success, failed, _ := m.Counts()
	assert.Equal(t, 3, success)
	assert.Equal(t, 0, failed)
}
