package api

import (
	"bytes"
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
	"github.com/brightfield/reconsync/pkg/orchestrator/backfill"
	"github.com/brightfield/reconsync/pkg/orchestrator/bidirectional"
	"github.com/brightfield/reconsync/pkg/orchestrator/diagnostic"
	"github.com/brightfield/reconsync/pkg/orchestrator/idrepair"
	"github.com/brightfield/reconsync/pkg/progress"
	"github.com/brightfield/reconsync/pkg/ratelimit"
	"github.com/brightfield/reconsync/pkg/shadow"
	"github.com/brightfield/reconsync/pkg/store"
	"github.com/brightfield/reconsync/pkg/synclog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"subscribers": []bclient.Subscriber{}})
	}))
	t.Cleanup(bsrv.Close)

	limiter := ratelimit.New(1000, 1000, time.Second)
	client, err := bclient.New(bsrv.URL, "tok", limiter, bclient.WithHTTPClient(bsrv.Client()))
	require.NoError(t, err)

	cw := crosswalk.New(db, 10)
	sh := shadow.New(db)
	a := astore.New(db)
	p := progress.New(db)
	exec := executor.New(lock.New(), cw, sh, conflict.New(db), synclog.New(db), a, client)

	return &Server{
		RequireAdmin: NewSharedSecretAdmin("s3cret"),
		Backfill:     backfill.New(p, cw, sh, a, client),
		Bidi:         bidirectional.New(p, cw, a, client, exec),
		IDRepair:     idrepair.New(cw, client),
		Diagnostic:   diagnostic.New(p, cw, a, client),
	}
}

func TestRoutes_RejectsMissingCredential(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/diagnostic", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoutes_DiagnosticWithValidCredential(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/diagnostic", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Admin-Token", "s3cret")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Contains(t, body, "summary")
}

func TestRoutes_BidirectionalSync(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/bidirectional-sync", bytes.NewReader([]byte(`{"direction":"A->B"}`)))
	req.Header.Set("X-Service-Secret", "s3cret")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, true, body["done"])
}
