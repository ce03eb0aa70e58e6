// Package fixtures builds valid domain objects for tests.
package fixtures

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/casefolio/casefolio-backend/internal/domain/audit"
)

// LedgerBuilder constructs a valid hash chain entry by entry, with
// controllable timestamps so tests can place entries in specific
// retention windows.
type LedgerBuilder struct {
	OrganizationID string

	prev string
	next time.Time
	step time.Duration
}

// NewLedgerBuilder starts a chain at the genesis sentinel. Entries are
// stamped from start onward, one minute apart.
func NewLedgerBuilder(organizationID string, start time.Time) *LedgerBuilder {
	return &LedgerBuilder{
		OrganizationID: organizationID,
		prev:           audit.GenesisHash,
		next:           start.UTC(),
		step:           time.Minute,
	}
}

// Append signs the next entry in the chain. Zero-value input fields get
// generic defaults.
func (b *LedgerBuilder) Append(tb testing.TB, input audit.EntryInput) *audit.Entry {
	tb.Helper()

	if input.Action == "" {
		input.Action = audit.ActionView
	}
	if input.Resource == "" {
		input.Resource = "case"
	}
	if input.ResourceID == "" {
		input.ResourceID = uuid.NewString()
	}
	input.OrganizationID = b.OrganizationID

	entry := &audit.Entry{
		ID:             uuid.New(),
		OrganizationID: input.OrganizationID,
		UserID:         input.UserID,
		Action:         input.Action,
		Resource:       input.Resource,
		ResourceID:     input.ResourceID,
		ResourceName:   input.ResourceName,
		Details:        input.Details,
		IPAddress:      input.IPAddress,
		UserAgent:      input.UserAgent,
		Timestamp:      b.next,
		PreviousHash:   b.prev,
	}

	hash, err := audit.ComputeEntryHash(entry, b.prev)
	require.NoError(tb, err)
	entry.Hash = hash

	b.prev = hash
	b.next = b.next.Add(b.step)
	return entry
}

// AppendN signs n generic entries in sequence.
func (b *LedgerBuilder) AppendN(tb testing.TB, n int) []*audit.Entry {
	tb.Helper()

	entries := make([]*audit.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, b.Append(tb, audit.EntryInput{
			UserID:     fmt.Sprintf("user-%d", i%3),
			ResourceID: fmt.Sprintf("res-%d", i),
		}))
	}
	return entries
}
