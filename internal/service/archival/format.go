package archival

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// ArchiveFormatVersion identifies the cold-storage file layout.
const ArchiveFormatVersion = 1

// ArchiveMetadata is the header of a monthly archive file, carried as
// the first NDJSON line under the "__metadata" key.
type ArchiveMetadata struct {
	FormatVersion       int       `json:"format_version"`
	OrganizationID      string    `json:"organization_id"`
	Year                int       `json:"year"`
	Month               int       `json:"month"`
	EntryCount          int       `json:"entry_count"`
	FirstEntryTimestamp time.Time `json:"first_entry_timestamp"`
	LastEntryTimestamp  time.Time `json:"last_entry_timestamp"`
	ExportedAt          time.Time `json:"exported_at"`
	HashChainStart      string    `json:"hash_chain_start"`
	HashChainEnd        string    `json:"hash_chain_end"`
	ContentHash         string    `json:"content_hash"`
}

type metadataLine struct {
	Metadata *ArchiveMetadata `json:"__metadata"`
}

// ObjectKey is the deterministic cold-storage key for one archive
// month: audit-archives/{orgID}/{YYYY}/{MM}.
func ObjectKey(organizationID string, year, month int) string {
	return fmt.Sprintf("audit-archives/%s/%04d/%02d", organizationID, year, month)
}

// EncodeArchive serializes entries into a gzip-compressed NDJSON file:
// the metadata header line first, then one entry per line with
// ISO-8601 timestamps. Entries are deduplicated by ID and sorted by
// timestamp; the content hash covers the serialized entry sequence.
func EncodeArchive(organizationID string, year, month int, entries []*domainaudit.Entry) ([]byte, *ArchiveMetadata, error) {
	if len(entries) == 0 {
		return nil, nil, errors.NewValidationError("EMPTY_ARCHIVE", "cannot encode an archive with no entries")
	}

	deduped := dedupeAndSort(entries)

	lines := make([][]byte, 0, len(deduped))
	hasher := sha256.New()
	for _, entry := range deduped {
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, nil, errors.NewInternalError("failed to serialize archive entry").WithCause(err)
		}
		lines = append(lines, line)
		hasher.Write(line)
		hasher.Write([]byte("\n"))
	}

	meta := &ArchiveMetadata{
		FormatVersion:       ArchiveFormatVersion,
		OrganizationID:      organizationID,
		Year:                year,
		Month:               month,
		EntryCount:          len(deduped),
		FirstEntryTimestamp: deduped[0].Timestamp,
		LastEntryTimestamp:  deduped[len(deduped)-1].Timestamp,
		ExportedAt:          time.Now().UTC(),
		HashChainStart:      deduped[0].PreviousHash,
		HashChainEnd:        deduped[len(deduped)-1].Hash,
		ContentHash:         hex.EncodeToString(hasher.Sum(nil)),
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	header, err := json.Marshal(metadataLine{Metadata: meta})
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to serialize archive metadata").WithCause(err)
	}
	if _, err := zw.Write(append(header, '\n')); err != nil {
		return nil, nil, errors.NewInternalError("failed to write archive header").WithCause(err)
	}
	for _, line := range lines {
		if _, err := zw.Write(append(line, '\n')); err != nil {
			return nil, nil, errors.NewInternalError("failed to write archive entry").WithCause(err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, errors.NewInternalError("failed to finalize archive compression").WithCause(err)
	}

	return buf.Bytes(), meta, nil
}

// DecodeArchive parses a compressed archive file back into its header
// and entries, verifying the content hash.
func DecodeArchive(data []byte) (*ArchiveMetadata, []*domainaudit.Entry, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, errors.NewValidationError("MALFORMED_ARCHIVE", "archive is not valid gzip").WithCause(err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, nil, errors.NewValidationError("MALFORMED_ARCHIVE", "archive has no metadata header")
	}
	var header metadataLine
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil || header.Metadata == nil {
		return nil, nil, errors.NewValidationError("MALFORMED_ARCHIVE", "archive metadata header is invalid")
	}

	var entries []*domainaudit.Entry
	hasher := sha256.New()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry domainaudit.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, nil, errors.NewValidationError("MALFORMED_ARCHIVE", "archive entry line is invalid").WithCause(err)
		}
		entries = append(entries, &entry)
		hasher.Write(line)
		hasher.Write([]byte("\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.NewInternalError("failed to read archive").WithCause(err)
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); got != header.Metadata.ContentHash {
		return nil, nil, errors.NewComplianceError("ARCHIVE_CONTENT_MISMATCH", "archive content hash does not match header")
	}

	return header.Metadata, entries, nil
}

// MergeEntries combines two entry sets, deduplicating by ID and
// re-sorting by timestamp. Used for the read-modify-write path when an
// archive month already exists.
func MergeEntries(existing, incoming []*domainaudit.Entry) []*domainaudit.Entry {
	combined := make([]*domainaudit.Entry, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)
	return dedupeAndSort(combined)
}

func dedupeAndSort(entries []*domainaudit.Entry) []*domainaudit.Entry {
	seen := make(map[string]bool, len(entries))
	out := make([]*domainaudit.Entry, 0, len(entries))
	for _, entry := range entries {
		id := entry.ID.String()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
