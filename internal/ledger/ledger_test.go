package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, db, err := Open("file::memory:?cache=shared&mode=memory")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return l
}

func TestLedgerRecordIssueReleaseAck(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RecordIssue(ctx, 7, 1, 1000))
	require.NoError(t, l.RecordRelease(ctx, 42, 1, 1, 9, 1001))

	count, err := l.OutstandingCount(ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, l.RecordAck(ctx, 42, 1, 1, 1002))
	count, err = l.OutstandingCount(ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestLedgerRecordReleaseUpsertsOnRepeat(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RecordRelease(ctx, 1, 1, 5, 10, 100))
	require.NoError(t, l.RecordRelease(ctx, 1, 1, 5, 11, 200))

	count, err := l.OutstandingCount(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count, "re-releasing the same custody id must update, not duplicate, the row")
}
