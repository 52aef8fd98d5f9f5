package diagnostic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brightfield/reconsync/pkg/astore"
	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/progress"
	"github.com/brightfield/reconsync/pkg/ratelimit"
	"github.com/brightfield/reconsync/pkg/store"
)

func subscriberByEmail(subs map[string]bclient.Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		email := r.URL.Query().Get("filter[email]")
		if sub, ok := subs[email]; ok {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"subscribers": []bclient.Subscriber{sub}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"subscribers": []bclient.Subscriber{}})
	}
}

func TestRun_ClassifiesAndPersistsBreakdown(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	cw := crosswalk.New(db, 10)
	for _, e := range []string{"active@example.com", "gone@example.com", "unsub@example.com", "missing@example.com"} {
		aID := "a-" + e
		require.NoError(t, cw.SetAId(ctx, e, &aID, false))
	}

	subs := map[string]bclient.Subscriber{
		"active@example.com": {ID: "b1", Email: "active@example.com", Status: bclient.StatusActive},
		"unsub@example.com":  {ID: "b2", Email: "unsub@example.com", Status: bclient.StatusUnsubscribed},
	}
	srv := httptest.NewServer(subscriberByEmail(subs))
	defer srv.Close()

	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New(srv.URL, "tok", limiter, bclient.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	a := astore.New(db)
	p := progress.New(db)
	orch := New(p, cw, a, client)

	res, err := orch.Run(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 4, res.Batch)
	require.Equal(t, 1, res.Summary.PerStatus[string(CategoryActive)])
	require.Equal(t, 1, res.Summary.PerStatus[string(CategoryUnsubscribed)])
	require.Equal(t, 2, res.Summary.PerStatus[string(CategoryNotFound)])
	require.True(t, res.Done)
	require.Contains(t, res.Recommendations, "not_found")

	persisted, err := progress.GetIncompleteBreakdown(ctx, p)
	require.NoError(t, err)
	require.Equal(t, 4, persisted.Total)
}
