package astore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brightfield/reconsync/pkg/store"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestCreateAndGetByEmail(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	row, err := s.Create(ctx, "jan@example.com", map[string]string{
		"first_name": "Jan", "city": "Utrecht",
	})
	require.NoError(t, err)
	require.NotEmpty(t, row.AID)

	got, err := s.GetByEmail(ctx, "jan@example.com")
	require.NoError(t, err)
	require.Equal(t, "Jan", got.Fields["first_name"])
	require.Equal(t, "Utrecht", got.Fields["city"])
	require.Equal(t, "", got.Fields["last_name"])
}

func TestGetByEmailNotFound(t *testing.T) {
	s := openTestDB(t)
	_, err := s.GetByEmail(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateFieldOnlyTouchesManagedColumn(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "a@example.com", map[string]string{"first_name": "A", "city": "X"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateField(ctx, "a@example.com", "city", "Y"))

	got, err := s.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, "A", got.Fields["first_name"])
	require.Equal(t, "Y", got.Fields["city"])
}

func TestUpdateFieldNotFound(t *testing.T) {
	s := openTestDB(t)
	err := s.UpdateField(context.Background(), "ghost@example.com", "city", "Y")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateFieldRejectsUnmanagedColumn(t *testing.T) {
	s := openTestDB(t)
	err := s.UpdateField(context.Background(), "a@example.com", "email", "new@example.com")
	require.Error(t, err)
}

func TestPageByEmailOrdering(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	for _, e := range []string{"b@example.com", "a@example.com", "c@example.com"} {
		_, err := s.Create(ctx, e, map[string]string{"first_name": "x"})
		require.NoError(t, err)
	}

	page, err := s.PageByEmail(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, "a@example.com", page[0].Email)
	require.Equal(t, "b@example.com", page[1].Email)
	require.Equal(t, "c@example.com", page[2].Email)

	page2, err := s.PageByEmail(ctx, "a@example.com", 10)
	require.NoError(t, err)
	require.Len(t, page2, 2)
}

func TestGenerateAIDIsDeterministic(t *testing.T) {
	require.Equal(t, generateAID("stable@example.com"), generateAID("stable@example.com"))
	require.NotEqual(t, generateAID("stable@example.com"), generateAID("other@example.com"))
}
