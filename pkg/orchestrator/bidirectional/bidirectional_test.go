package bidirectional

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
	"github.com/brightfield/reconsync/pkg/conflict"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/executor"
	"github.com/brightfield/reconsync/pkg/lock"
	"github.com/brightfield/reconsync/pkg/progress"
	"github.com/brightfield/reconsync/pkg/ratelimit"
	"github.com/brightfield/reconsync/pkg/shadow"
	"github.com/brightfield/reconsync/pkg/store"
	"github.com/brightfield/reconsync/pkg/synclog"
)

func newFakeBServer(t *testing.T, subs []bclient.Subscriber) *httptest.Server {
	t.Helper()
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/subscribers" && r.URL.Query().Get("filter[email]") != "":
			email := r.URL.Query().Get("filter[email]")
			for _, s := range subs {
				if s.Email == email {
					_ = json.NewEncoder(w).Encode(map[string]interface{}{"subscribers": []bclient.Subscriber{s}})
					return
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"subscribers": []bclient.Subscriber{}})
		case r.URL.Path == "/subscribers" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"subscribers": subs,
				"meta":        map[string]string{"next_cursor": ""},
			})
		case r.URL.Path == "/subscribers" && r.Method == http.MethodPost:
			var body struct {
				Email  string            `json:"email"`
				Fields map[string]string `json:"fields"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(bclient.Subscriber{
				ID: "b_" + body.Email, Email: body.Email, Status: bclient.StatusActive, Fields: body.Fields,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func TestBidirectional_BtoAImportsNewRecords(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	srv := newFakeBServer(t, []bclient.Subscriber{
		{ID: "b1", Email: "imported@example.com", Status: bclient.StatusActive, Fields: map[string]string{"name": "Imported"}},
	})
	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New(srv.URL, "tok", limiter, bclient.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	cw := crosswalk.New(db, 10)
	a := astore.New(db)
	p := progress.New(db)
	exec := executor.New(lock.New(), cw, shadow.New(db), conflict.New(db), synclog.New(db), a, client)
	orch := New(p, cw, a, client, exec)

	res, err := orch.Run(ctx, Params{Direction: DirBtoA})
	require.NoError(t, err)
	require.Equal(t, 1, res.RecordsProcessed)
	require.True(t, res.BtoA.Done)

	aRow, err := a.GetByEmail(ctx, "imported@example.com")
	require.NoError(t, err)
	require.Equal(t, "Imported", aRow.Fields["first_name"])

	_, err = progress.GetImportCursor(ctx, p)
	require.ErrorIs(t, err, progress.ErrNotFound) // deleted once the stream ends
}

func TestBidirectional_AtoBExportsNewRecords(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	srv := newFakeBServer(t, nil)
	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New(srv.URL, "tok", limiter, bclient.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	cw := crosswalk.New(db, 10)
	a := astore.New(db)
	_, err = a.Create(ctx, "exportme@example.com", map[string]string{"first_name": "Export"})
	require.NoError(t, err)
	p := progress.New(db)
	exec := executor.New(lock.New(), cw, shadow.New(db), conflict.New(db), synclog.New(db), a, client)
	orch := New(p, cw, a, client, exec)

	res, err := orch.Run(ctx, Params{Direction: DirAtoB})
	require.NoError(t, err)
	require.Equal(t, 1, res.RecordsProcessed)
	require.True(t, res.AtoB.Done)

	cwRow, ok, err := cw.Get(ctx, "exportme@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, cwRow.BID)
}

func TestBidirectional_MaxRecordsStopsEarlyWithCursor(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	a := astore.New(db)
	for _, e := range []string{"a1@example.com", "a2@example.com", "a3@example.com"} {
		_, err := a.Create(ctx, e, map[string]string{"first_name": "X"})
		require.NoError(t, err)
	}
	srv := newFakeBServer(t, nil)
	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New(srv.URL, "tok", limiter, bclient.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	cw := crosswalk.New(db, 10)
	p := progress.New(db)
	exec := executor.New(lock.New(), cw, shadow.New(db), conflict.New(db), synclog.New(db), a, client)
	orch := New(p, cw, a, client, exec)

	res, err := orch.Run(ctx, Params{Direction: DirAtoB, MaxRecords: 2})
	require.NoError(t, err)
	require.Equal(t, 2, res.RecordsProcessed)
	require.False(t, res.Done)
	require.NotEmpty(t, res.AtoB.NextCursor)
}
