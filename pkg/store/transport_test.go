package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/telekom/audit-trail/pkg/audit"
)

func sealed(t *testing.T, integrity *audit.IntegrityService, data audit.RecordData) *audit.Record {
	t.Helper()
	r := audit.NewRecord(data)
	integrity.SealAndSign(r)
	return r
}

func TestTransport_Send(t *testing.T) {
	s := newTestStore(t)
	transport := NewTransport(s, zaptest.NewLogger(t))
	integrity := audit.NewIntegrityService(true, "secret", zaptest.NewLogger(t))

	r := sealed(t, integrity, recordData("User", "1", audit.ActionUpdate, 0))
	require.NoError(t, transport.Send(context.Background(), r, audit.SendContext{Phase: audit.PhasePreCommit}))

	entries, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, r.Signature(), entries[0].Signature)

	assert.Equal(t, "database", transport.Name())
	assert.True(t, transport.Supports(r))
	assert.NoError(t, transport.Close())
}

func TestTransport_JoinsCallerTransaction(t *testing.T) {
	s := newTestStore(t)
	transport := NewTransport(s, zaptest.NewLogger(t))
	integrity := audit.NewIntegrityService(false, "", zaptest.NewLogger(t))
	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	r := sealed(t, integrity, recordData("User", "1", audit.ActionDelete, 0))
	require.NoError(t, transport.Send(ctx, r, audit.SendContext{Values: map[string]any{ValueTx: tx}}))
	require.NoError(t, tx.Rollback())

	entries, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries, "the record shares the fate of the caller transaction")
}

func TestTransport_SendFailsOnClosedStore(t *testing.T) {
	s := newTestStore(t)
	transport := NewTransport(s, zaptest.NewLogger(t))
	require.NoError(t, s.Close())

	r := sealed(t, audit.NewIntegrityService(false, "", zaptest.NewLogger(t)), recordData("User", "1", audit.ActionDelete, 0))
	assert.Error(t, transport.Send(context.Background(), r, audit.SendContext{}))
}

func TestStore_Verify(t *testing.T) {
	s := newTestStore(t)
	transport := NewTransport(s, zaptest.NewLogger(t))
	integrity := audit.NewIntegrityService(true, "secret", zaptest.NewLogger(t))
	ctx := context.Background()

	for i, id := range []string{"1", "2"} {
		r := sealed(t, integrity, recordData("User", id, audit.ActionUpdate, 0))
		require.NoError(t, transport.Send(ctx, r, audit.SendContext{}), "record %d", i)
	}

	// Tamper with one stored row behind the store's back.
	_, err := s.DB().ExecContext(ctx, `UPDATE `+s.Table()+` SET username = 'mallory' WHERE entity_id = '2'`)
	require.NoError(t, err)

	results, err := s.Verify(ctx, Filter{}, integrity)
	require.NoError(t, err)
	require.Len(t, results, 2)
	verdicts := map[string]bool{}
	for _, res := range results {
		verdicts[res.Entry.EntityID] = res.Valid
	}
	assert.True(t, verdicts["1"], "untouched record verifies after a storage round trip")
	assert.False(t, verdicts["2"])

	other := audit.NewIntegrityService(true, "another-secret", zaptest.NewLogger(t))
	results, err = s.Verify(ctx, Filter{EntityID: "1"}, other)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
}

func TestStore_VerifyPagesThroughAllRows(t *testing.T) {
	s := newTestStore(t)
	transport := NewTransport(s, zaptest.NewLogger(t))
	integrity := audit.NewIntegrityService(true, "secret", zaptest.NewLogger(t))
	ctx := context.Background()

	const rows = 2*verifyPageSize + 50
	for i := 0; i < rows; i++ {
		r := sealed(t, integrity, recordData("User", strconv.Itoa(i), audit.ActionUpdate, time.Duration(i)*time.Second))
		require.NoError(t, transport.Send(ctx, r, audit.SendContext{}))
	}

	// The oldest row sits on the last page.
	_, err := s.DB().ExecContext(ctx, `UPDATE `+s.Table()+` SET username = 'mallory' WHERE entity_id = '0'`)
	require.NoError(t, err)

	tampered := func(results []VerifyResult) []string {
		var ids []string
		for _, r := range results {
			if !r.Valid {
				ids = append(ids, r.Entry.EntityID)
			}
		}
		return ids
	}

	results, err := s.Verify(ctx, Filter{}, integrity)
	require.NoError(t, err)
	assert.Len(t, results, rows)
	assert.Equal(t, []string{"0"}, tampered(results))

	results, err = s.Verify(ctx, Filter{Limit: 10}, integrity)
	require.NoError(t, err)
	assert.Len(t, results, 10)
	assert.Empty(t, tampered(results))

	results, err = s.Verify(ctx, Filter{Limit: verifyPageSize + 1, Offset: rows - verifyPageSize - 1}, integrity)
	require.NoError(t, err)
	assert.Len(t, results, verifyPageSize+1)
	assert.Equal(t, []string{"0"}, tampered(results))
}
