package idrepair

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/ratelimit"
	"github.com/brightfield/reconsync/pkg/store"
)

func TestRunChunk_RepairsMissingBId(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	cw := crosswalk.New(db, 10)
	aID1, aID2 := "a1", "a2"
	require.NoError(t, cw.SetAId(ctx, "found@example.com", &aID1, false))
	require.NoError(t, cw.SetAId(ctx, "missing@example.com", &aID2, false))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		email := r.URL.Query().Get("filter[email]")
		if email == "found@example.com" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"subscribers": []bclient.Subscriber{{ID: "b1", Email: email, Status: bclient.StatusActive}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"subscribers": []bclient.Subscriber{}})
	}))
	defer srv.Close()

	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New(srv.URL, "tok", limiter, bclient.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	orch := New(cw, client)
	res, err := orch.RunChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempted)
	require.Equal(t, 1, res.Repaired)
	require.Equal(t, 1, res.NotFound)
	require.True(t, res.Done)

	row, ok, err := cw.Get(ctx, "found@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, row.BID)
	require.Equal(t, "b1", *row.BID)

	row2, ok, err := cw.Get(ctx, "missing@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, row2.BID)
}
