package stateapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nclav-io/nclav/pkg/metrics"
	"github.com/nclav-io/nclav/pkg/store"
)

func stateKey(r *http.Request) string {
	return chi.URLParam(r, "enclaveID") + "/" + chi.URLParam(r, "partitionID")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListEnclaves(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleGetState returns the partition's current state blob. Terraform
// treats a 404 as "no state yet" and proceeds with an empty one.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StoreOpDuration, "get_tf_state")
	data, err := s.store.GetTfState(r.Context(), stateKey(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handlePostState stores the uploaded state blob verbatim; Terraform's
// HTTP backend sends the full state on every write, never a patch.
func (s *Server) handlePostState(w http.ResponseWriter, r *http.Request) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StoreOpDuration, "put_tf_state")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.PutTfState(r.Context(), stateKey(r), body); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StoreOpDuration, "delete_tf_state")
	if err := s.store.DeleteTfState(r.Context(), stateKey(r)); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLock acquires the partition's advisory lock. The request body
// is Terraform's LockInfo JSON, stored as-is and echoed back verbatim
// to a conflicting caller so its CLI can report who holds the lock.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StoreOpDuration, "lock_tf_state")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.LockTfState(r.Context(), stateKey(r), body); err != nil {
		if holder, ok := store.IsLockConflict(err); ok {
			metrics.TfLockConflictsTotal.Inc()
			writeJSON(w, http.StatusConflict, map[string]string{"ID": holder})
			return
		}
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleUnlock releases the lock. Terraform posts the same LockInfo
// body it used to acquire the lock; only the ID field is needed to
// release it. An empty or unparseable body force-unlocks, matching
// `terraform force-unlock`.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StoreOpDuration, "unlock_tf_state")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var info struct {
		ID string `json:"ID"`
	}
	_ = json.Unmarshal(body, &info)

	if err := s.store.UnlockTfState(r.Context(), stateKey(r), info.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeStoreError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
