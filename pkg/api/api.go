// Package api exposes the four orchestrator operations over HTTP, the
// RPC surface spec.md §6 describes: backfill, bidirectional-sync,
// id-repair, and diagnostic. Every handler passes through the
// RequireAdmin hook before touching an orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/brightfield/reconsync/pkg/orchestrator/backfill"
	"github.com/brightfield/reconsync/pkg/orchestrator/bidirectional"
	"github.com/brightfield/reconsync/pkg/orchestrator/diagnostic"
	"github.com/brightfield/reconsync/pkg/orchestrator/idrepair"
	"github.com/brightfield/reconsync/pkg/progress"
)

// RequireAdmin resolves the caller's userId, or returns an error when
// the credential is missing/invalid (surfaced as 401) or insufficient
// (surfaced as 403 via ErrForbidden). The core only calls this hook;
// issuing or verifying credentials is an external collaborator's job.
type RequireAdmin func(ctx context.Context, r *http.Request) (userID string, err error)

// ErrForbidden marks a RequireAdmin failure as "valid credential, wrong
// role" rather than "no credential", so handlers can answer 403 vs 401.
var ErrForbidden = errors.New("api: caller lacks the admin role")

// maxIDRepairChunks bounds how many chunks a single id-repair HTTP
// invocation runs before returning, so one request can't block
// indefinitely behind a huge backlog; the caller re-invokes to
// continue, the same pattern backfill's own continuation uses.
const maxIDRepairChunks = 20

// Server wires the orchestrators to HTTP handlers.
type Server struct {
	RequireAdmin RequireAdmin
	Backfill     *backfill.Orchestrator
	Bidi         *bidirectional.Orchestrator
	IDRepair     *idrepair.Orchestrator
	Diagnostic   *diagnostic.Orchestrator
}

// NewSharedSecretAdmin builds a RequireAdmin hook for local/dev use:
// it accepts either the shared service-role secret in the
// X-Service-Secret header (self-invocation), or a bearer token in
// X-Admin-Token matching secret directly, returning "dev-admin" as the
// resolved userId. Production deployments wire RequireAdmin to their
// real auth provider instead of calling this.
func NewSharedSecretAdmin(secret string) RequireAdmin {
	return func(_ context.Context, r *http.Request) (string, error) {
		if secret == "" {
			return "", errors.New("api: admin shared secret not configured")
		}
		if r.Header.Get("X-Service-Secret") == secret {
			return "service", nil
		}
		if r.Header.Get("X-Admin-Token") == secret {
			return "dev-admin", nil
		}
		return "", errors.New("api: missing or invalid admin credential")
	}
}

// Routes builds the *http.ServeMux serving the four operations.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /backfill", s.withAdmin(s.handleBackfill))
	mux.HandleFunc("POST /bidirectional-sync", s.withAdmin(s.handleBidirectional))
	mux.HandleFunc("POST /id-repair", s.withAdmin(s.handleIDRepair))
	mux.HandleFunc("POST /diagnostic", s.withAdmin(s.handleDiagnostic))
	// Unauthenticated: a scrape target, not an operator action.
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.RequireAdmin(r.Context(), r)
		switch {
		case errors.Is(err, ErrForbidden):
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		log.WithField("userId", userID).WithField("path", r.URL.Path).Debug("api: admin invocation")
		next(w, r)
	}
}

type backfillRequest struct {
	AutoContinue bool `json:"autoContinue"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.AutoContinue {
		prog, err := s.Backfill.RunToCompletion(r.Context())
		writeJSON(w, map[string]interface{}{
			"message":          "backfill run to completion",
			"progress":         prog,
			"continueBackfill": prog.Status != progress.StatusCompleted,
			"autoContinuing":   true,
		}, err)
		return
	}

	prog, err := s.Backfill.RunChunk(r.Context())
	writeJSON(w, map[string]interface{}{
		"message":          "backfill chunk processed",
		"progress":         prog,
		"continueBackfill": prog.Status != progress.StatusCompleted,
	}, err)
}

type bidirectionalRequest struct {
	Direction     string `json:"direction"`
	MaxRecords    int    `json:"maxRecords"`
	MaxDurationMs int    `json:"maxDurationMs"`
	DryRun        bool   `json:"dryRun"`
	Cursor        string `json:"cursor"`
}

func (s *Server) handleBidirectional(w http.ResponseWriter, r *http.Request) {
	var req bidirectionalRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dir := bidirectional.Direction(req.Direction)
	if dir == "" {
		dir = bidirectional.DirBoth
	}

	res, err := s.Bidi.Run(r.Context(), bidirectional.Params{
		Direction:   dir,
		MaxRecords:  req.MaxRecords,
		MaxDuration: time.Duration(req.MaxDurationMs) * time.Millisecond,
		DryRun:      req.DryRun,
		Cursor:      req.Cursor,
	})
	nextCursor := res.AtoB.NextCursor
	if dir == bidirectional.DirBtoA {
		nextCursor = res.BtoA.NextCursor
	}
	writeJSON(w, map[string]interface{}{
		"recordsProcessed":  res.RecordsProcessed,
		"conflictsDetected": res.ConflictsDetected,
		"updatesApplied":    res.UpdatesApplied,
		"errors":            res.Errors,
		"done":              res.Done,
		"nextCursor":        nextCursor,
	}, err)
}

func (s *Server) handleIDRepair(w http.ResponseWriter, r *http.Request) {
	var total idrepair.Result
	var err error
	for i := 0; i < maxIDRepairChunks; i++ {
		var chunk idrepair.Result
		chunk, err = s.IDRepair.RunChunk(r.Context())
		total.Attempted += chunk.Attempted
		total.Repaired += chunk.Repaired
		total.NotFound += chunk.NotFound
		total.Errors += chunk.Errors
		if err != nil || chunk.Done {
			break
		}
	}
	writeJSON(w, map[string]interface{}{
		"recordsUpdated": total.Repaired,
		"errors":         total.Errors,
		"message":        "id-repair chunk(s) processed",
	}, err)
}

type diagnosticRequest struct {
	BatchSize int `json:"batchSize"`
	Offset    int `json:"offset"`
}

func (s *Server) handleDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req diagnosticRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Diagnostic.Run(r.Context(), req.BatchSize, req.Offset)
	writeJSON(w, map[string]interface{}{
		"batch":           res.Batch,
		"summary":         res.Summary,
		"results":         res.Results,
		"recommendations": res.Recommendations,
		"done":            res.Done,
	}, err)
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, body map[string]interface{}, err error) {
	if err != nil {
		log.WithError(err).Warn("api: orchestrator invocation failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
