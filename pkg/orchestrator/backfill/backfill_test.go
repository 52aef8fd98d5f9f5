package backfill

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brightfield/reconsync/pkg/astore"
	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/progress"
	"github.com/brightfield/reconsync/pkg/ratelimit"
	"github.com/brightfield/reconsync/pkg/shadow"
	"github.com/brightfield/reconsync/pkg/store"
)

// fakeBList serves a fixed, fully-paginated subscriber list plus batch
// lookups, enough to drive phases 2 and 3 without a real B.
type fakeBList struct {
	subs []bclient.Subscriber
}

func (f *fakeBList) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/subscribers" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"subscribers": f.subs,
				"meta":        map[string]string{"next_cursor": ""},
			})
		case r.URL.Path == "/batch":
			var body struct {
				Requests []struct {
					Path string `json:"path"`
				} `json:"requests"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			responses := make([]map[string]interface{}, len(body.Requests))
			for i, req := range body.Requests {
				var match *bclient.Subscriber
				for j := range f.subs {
					if "/subscribers?filter[email]="+url.QueryEscape(f.subs[j].Email) == req.Path {
						match = &f.subs[j]
					}
				}
				if match == nil {
					responses[i] = map[string]interface{}{"status": 404, "body": json.RawMessage(`{}`)}
					continue
				}
				body, _ := json.Marshal(map[string]interface{}{"subscribers": []bclient.Subscriber{*match}})
				responses[i] = map[string]interface{}{"status": 200, "body": json.RawMessage(body)}
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"responses": responses})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestBackfill_RunsThreePhasesToCompletion(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	a := astore.New(db)
	_, err = a.Create(ctx, "one@example.com", map[string]string{"first_name": "One"})
	require.NoError(t, err)
	_, err = a.Create(ctx, "two@example.com", map[string]string{"first_name": "Two"})
	require.NoError(t, err)

	fb := &fakeBList{subs: []bclient.Subscriber{
		{ID: "b1", Email: "one@example.com", Status: bclient.StatusActive, Fields: map[string]string{"name": "One"}},
		{ID: "b2", Email: "two@example.com", Status: bclient.StatusActive, Fields: map[string]string{"name": "Two"}},
	}}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New(srv.URL, "tok", limiter, bclient.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	cw := crosswalk.New(db, 10)
	sh := shadow.New(db)
	p := progress.New(db)
	orch := New(p, cw, sh, a, client)

	final, err := orch.RunToCompletion(ctx)
	require.NoError(t, err)
	require.Equal(t, progress.StatusCompleted, final.Status)

	n, err := sh.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	row, err := sh.Get(ctx, "one@example.com")
	require.NoError(t, err)
	require.True(t, row.Snapshot.Metadata.IsComplete)
	require.Equal(t, "One", *row.Snapshot.A["first_name"])
	require.Equal(t, "One", *row.Snapshot.B["first_name"])
}

func TestBackfill_FastForwardSkipsWhenAlreadyComplete(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	a := astore.New(db)
	row, err := a.Create(ctx, "done@example.com", map[string]string{"first_name": "Done"})
	require.NoError(t, err)
	cw := crosswalk.New(db, 10)
	require.NoError(t, cw.SetAId(ctx, "done@example.com", &row.AID, false))
	bID := "bx"
	require.NoError(t, cw.SetBId(ctx, "done@example.com", &bID, false))
	sh := shadow.New(db)
	require.NoError(t, sh.Upsert(ctx, shadow.Row{Email: "done@example.com", ValidationStatus: shadow.StatusComplete}))

	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New("http://unused.invalid", "tok", limiter)
	require.NoError(t, err)

	p := progress.New(db)
	orch := New(p, cw, sh, a, client)

	final, err := orch.RunChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, progress.StatusCompleted, final.Status)
}
