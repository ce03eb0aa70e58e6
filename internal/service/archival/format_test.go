package archival

import (
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainaudit "github.com/casefolio/casefolio-backend/internal/domain/audit"
	"github.com/casefolio/casefolio-backend/internal/domain/errors"
	"github.com/casefolio/casefolio-backend/internal/testutil/fixtures"
)

func monthEntries(t *testing.T, org string, year int, month time.Month, n int) []*domainaudit.Entry {
	t.Helper()
	builder := fixtures.NewLedgerBuilder(org, time.Date(year, month, 3, 9, 0, 0, 0, time.UTC))
	return builder.AppendN(t, n)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "audit-archives/org-1/2019/03", ObjectKey("org-1", 2019, 3))
	assert.Equal(t, "audit-archives/org-1/2019/11", ObjectKey("org-1", 2019, 11))
}

func TestEncodeDecodeArchiveRoundTrip(t *testing.T) {
	entries := monthEntries(t, "org-1", 2019, time.March, 25)

	data, meta, err := EncodeArchive("org-1", 2019, 3, entries)
	require.NoError(t, err)
	assert.Equal(t, ArchiveFormatVersion, meta.FormatVersion)
	assert.Equal(t, 25, meta.EntryCount)
	assert.Equal(t, domainaudit.GenesisHash, meta.HashChainStart)
	assert.Equal(t, entries[len(entries)-1].Hash, meta.HashChainEnd)
	assert.Equal(t, entries[0].Timestamp, meta.FirstEntryTimestamp)
	assert.Len(t, meta.ContentHash, 64)

	decodedMeta, decoded, err := DecodeArchive(data)
	require.NoError(t, err)
	assert.Equal(t, meta.ContentHash, decodedMeta.ContentHash)
	require.Len(t, decoded, 25)
	for i, entry := range decoded {
		assert.Equal(t, entries[i].ID, entry.ID)
		assert.Equal(t, entries[i].Hash, entry.Hash)
		assert.True(t, entries[i].Timestamp.Equal(entry.Timestamp))
	}
}

func TestEncodeArchiveDedupesAndSorts(t *testing.T) {
	entries := monthEntries(t, "org-1", 2019, time.March, 5)
	jumbled := []*domainaudit.Entry{entries[3], entries[0], entries[3], entries[1], entries[4], entries[2], entries[0]}

	_, meta, err := EncodeArchive("org-1", 2019, 3, jumbled)
	require.NoError(t, err)
	assert.Equal(t, 5, meta.EntryCount)
	assert.Equal(t, entries[0].Timestamp, meta.FirstEntryTimestamp)
	assert.Equal(t, entries[4].Timestamp, meta.LastEntryTimestamp)
}

func TestEncodeArchiveRejectsEmpty(t *testing.T) {
	_, _, err := EncodeArchive("org-1", 2019, 3, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestDecodeArchiveDetectsContentTampering(t *testing.T) {
	entries := monthEntries(t, "org-1", 2019, time.March, 3)
	data, _, err := EncodeArchive("org-1", 2019, 3, entries)
	require.NoError(t, err)

	// Decompress, flip a byte in an entry line, recompress.
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var raw bytes.Buffer
	_, err = raw.ReadFrom(zr)
	require.NoError(t, err)
	tampered := bytes.Replace(raw.Bytes(), []byte(`"action":"VIEW"`), []byte(`"action":"VIEW "`), 1)
	require.NotEqual(t, raw.Bytes(), tampered)

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	_, err = zw.Write(tampered)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, _, err = DecodeArchive(out.Bytes())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCompliance))
}

func TestDecodeArchiveMalformedInput(t *testing.T) {
	_, _, err := DecodeArchive([]byte("not gzip at all"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	var empty bytes.Buffer
	zw := gzip.NewWriter(&empty)
	require.NoError(t, zw.Close())
	_, _, err = DecodeArchive(empty.Bytes())
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestMergeEntriesIdempotent(t *testing.T) {
	entries := monthEntries(t, "org-1", 2019, time.March, 6)
	existing := entries[:4]
	incoming := entries[2:]

	merged := MergeEntries(existing, incoming)
	require.Len(t, merged, 6)
	for i := 1; i < len(merged); i++ {
		assert.False(t, merged[i].Timestamp.Before(merged[i-1].Timestamp))
	}

	// Merging the same batch again changes nothing.
	again := MergeEntries(merged, incoming)
	assert.Len(t, again, 6)
}
