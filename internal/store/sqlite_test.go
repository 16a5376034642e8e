package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "bsemon/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "bsemon.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMarkSeenConflictIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.MarkSeen(ctx, "500325", "N1", time.Now())
	require.NoError(t, err)
	require.True(t, inserted)

	// Second insert of the same pair conflicts: no error, inserted=false.
	inserted, err = s.MarkSeen(ctx, "500325", "N1", time.Now())
	require.NoError(t, err)
	require.False(t, inserted)

	n, err := s.SeenCount(ctx, "500325")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIsSeen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen, err := s.IsSeen(ctx, "500325", "N1")
	require.NoError(t, err)
	require.False(t, seen)

	_, err = s.MarkSeen(ctx, "500325", "N1", time.Now())
	require.NoError(t, err)

	seen, err = s.IsSeen(ctx, "500325", "N1")
	require.NoError(t, err)
	require.True(t, seen)

	// Same external id under a different instrument is a distinct identity.
	seen, err = s.IsSeen(ctx, "526861", "N1")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestWatchListRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddInstrument(ctx, "526861", "Dependable Widgets"))
	require.NoError(t, s.AddInstrument(ctx, "500325", "Reliance Industries"))
	// Upsert updates the display name in place.
	require.NoError(t, s.AddInstrument(ctx, "526861", "Dependable Widgets Ltd"))

	ins, err := s.Instruments(ctx)
	require.NoError(t, err)
	require.Len(t, ins, 2)
	// Stable order by code.
	require.Equal(t, "500325", ins[0].Code)
	require.Equal(t, "526861", ins[1].Code)
	require.Equal(t, "Dependable Widgets Ltd", ins[1].DisplayName)

	require.NoError(t, s.RemoveInstrument(ctx, "500325"))
	ins, err = s.Instruments(ctx)
	require.NoError(t, err)
	require.Len(t, ins, 1)

	require.NoError(t, s.AddRecipient(ctx, "453652457"))
	require.NoError(t, s.AddRecipient(ctx, "453652457")) // idempotent
	recs, err := s.Recipients(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, s.RemoveRecipient(ctx, "453652457"))
	recs, err = s.Recipients(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
}
