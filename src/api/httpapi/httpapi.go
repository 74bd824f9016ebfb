// Package httpapi is the client-facing surface of a replica: a small JSON
// API over the replicated key-value machine plus replica introspection.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/danmuck/dps_raft/src/kvsm"
	"github.com/danmuck/dps_raft/src/raft"
)

// Server serves the HTTP API for one replica.
type Server struct {
	replica *raft.Replica
	machine *kvsm.Machine
}

func New(replica *raft.Replica, machine *kvsm.Machine) *Server {
	return &Server{replica: replica, machine: machine}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/healthz", s.healthz)
	r.Get("/v1/status", s.status)
	r.Get("/v1/kv/{key}", s.getKey)
	r.Put("/v1/kv/{key}", s.putKey)
	r.Delete("/v1/kv/{key}", s.deleteKey)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.replica.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           st.ID,
		"role":         st.Role,
		"term":         st.Term,
		"commit_index": st.CommitIndex,
		"last_applied": st.LastApplied,
		"last_log":     map[string]uint64{"term": st.LastLogID.Term, "index": st.LastLogID.Index},
		"leader":       st.LeaderID,
	})
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok := s.machine.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) putKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.propose(w, r, kvsm.Command{Op: kvsm.OpSet, Key: key, Value: string(value)})
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s.propose(w, r, kvsm.Command{Op: kvsm.OpDelete, Key: key})
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request, cmd kvsm.Command) {
	payload, err := kvsm.Encode(cmd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	entries, err := s.replica.Replicate(r.Context(), [][]byte{payload})
	if err != nil {
		var nle *raft.NotLeaderError
		if errors.As(err, &nle) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":  "not_leader",
				"leader": nle.LeaderID,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "replicate_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"index": entries[0].ID.Index,
		"term":  entries[0].ID.Term,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]string{"error": kind, "message": msg})
}
