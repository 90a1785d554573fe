// Package fingerprint computes content+policy identities for downloaded
// attachments so that unchanged files can be skipped on re-import.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// PreviewSize is the number of leading bytes hashed from each file.
// Hashing entire multi-hundred-MB documents is too slow for a batch of
// thousands; the prefix plus the exact file size plus the policy ids is
// enough, and the (mtime, size) pair in IsUnchanged guards the remainder.
const PreviewSize = 1 << 20 // 1 MiB

// Fingerprint identifies one file under one processing policy. Two equal
// fingerprints mean re-processing the file would produce identical output.
type Fingerprint struct {
	ContentHash            string    `json:"content_hash"`
	FileMtime              time.Time `json:"file_mtime"`
	FileSize               int64     `json:"file_size"`
	EmbeddingModel         string    `json:"embedding_model"`
	ChunkingPolicyVersion  string    `json:"chunking_policy_version"`
	EmbeddingPolicyVersion string    `json:"embedding_policy_version"`
}

// Compute reads a bounded prefix of the file and mixes it with the exact
// file size and the three policy identifiers. Any policy change therefore
// invalidates every stored fingerprint, forcing a full reprocess.
func Compute(path, embeddingModel, chunkingPolicyVersion, embeddingPolicyVersion string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to open file for fingerprinting: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to stat file for fingerprinting: %w", err)
	}

	h := sha256.New()
	if _, err := io.CopyN(h, f, PreviewSize); err != nil && err != io.EOF {
		return Fingerprint{}, fmt.Errorf("failed to read file preview: %w", err)
	}

	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(info.Size()))
	h.Write(sizeBuf[:])
	io.WriteString(h, embeddingModel)
	io.WriteString(h, "\x00")
	io.WriteString(h, chunkingPolicyVersion)
	io.WriteString(h, "\x00")
	io.WriteString(h, embeddingPolicyVersion)

	return Fingerprint{
		ContentHash:            hex.EncodeToString(h.Sum(nil)),
		FileMtime:              info.ModTime().UTC(),
		FileSize:               info.Size(),
		EmbeddingModel:         embeddingModel,
		ChunkingPolicyVersion:  chunkingPolicyVersion,
		EmbeddingPolicyVersion: embeddingPolicyVersion,
	}, nil
}

// IsZero reports whether the fingerprint has never been populated.
func (fp Fingerprint) IsZero() bool {
	return fp.ContentHash == ""
}

// IsUnchanged reports whether stored and computed describe the same content
// under the same policy. The hash must match and so must the (mtime, size)
// pair: a hash coincidence alone never causes a skip. A missing mtime or a
// zero size on either side cannot confirm anything and counts as changed.
func IsUnchanged(stored, computed Fingerprint) bool {
	if stored.IsZero() || computed.IsZero() {
		return false
	}
	if stored.ContentHash != computed.ContentHash {
		return false
	}
	if stored.FileMtime.IsZero() || computed.FileMtime.IsZero() {
		return false
	}
	if !stored.FileMtime.Equal(computed.FileMtime) {
		return false
	}
	return stored.FileSize == computed.FileSize && stored.FileSize > 0
}
