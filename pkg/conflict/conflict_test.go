package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brightfield/reconsync/pkg/store"
)

func strp(s string) *string { return &s }

func TestCreate_DedupesPendingConflict(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	require.NoError(t, s.Create(ctx, "a@example.com", "city", strp("Amsterdam"), strp("Rotterdam")))
	require.NoError(t, s.Create(ctx, "a@example.com", "city", strp("Amsterdam"), strp("Rotterdam")))

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestResolve_ClearsPendingAndSetsResolvedValue(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	require.NoError(t, s.Create(ctx, "a@example.com", "city", strp("Amsterdam"), strp("Rotterdam")))

	row, err := s.Resolve(ctx, "a@example.com", "city", strp("Amsterdam"))
	require.NoError(t, err)
	require.Equal(t, StatusResolved, row.Status)
	require.Equal(t, "Amsterdam", *row.ResolvedValue)

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRow_DiffRendersBothValues(t *testing.T) {
	row := Row{Field: "city", AValue: strp("Amsterdam"), BValue: strp("Rotterdam")}
	diff := row.Diff()
	require.Contains(t, diff, "Amsterdam")
	require.Contains(t, diff, "Rotterdam")
}
