package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blockberries/raftberry/engine"
	"github.com/blockberries/raftberry/node"
	"github.com/blockberries/raftberry/types"
)

type errorResponse struct {
	Error  string       `json:"error"`
	Leader types.NodeID `json:"leader,omitempty"`
}

type clusterResponse struct {
	Version uint64         `json:"version"`
	Local   types.NodeID   `json:"local"`
	Quorum  int            `json:"quorum"`
	Members []types.Member `json:"members"`
}

func handleHealthz(backend Backend) http.HandlerFunc {
	type resp struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !backend.Status().Running {
			writeJSON(w, http.StatusServiceUnavailable, resp{
				Status: "stopped",
				Time:   time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		writeJSON(w, http.StatusOK, resp{
			Status: "ok",
			Time:   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleStatus(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, backend.Status())
	}
}

func handleCluster(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cc := backend.Cluster()
		if cc == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("no cluster configuration"), types.NoNode)
			return
		}
		writeJSON(w, http.StatusOK, clusterResponse{
			Version: cc.Version,
			Local:   cc.Local,
			Quorum:  cc.Quorum(),
			Members: cc.Members(),
		})
	}
}

func handleAddMember(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m types.Member
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid json"), types.NoNode)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := backend.AddMember(ctx, m.ID, m.Peer); err != nil {
			writeError(w, statusFor(err), err, backend.Status().Leader)
			return
		}
		writeJSON(w, http.StatusAccepted, m)
	}
}

func handleRemoveMember(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := types.ParseNodeID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err, types.NoNode)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := backend.RemoveMember(ctx, id); err != nil {
			writeError(w, statusFor(err), err, backend.Status().Leader)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]types.NodeID{"id": id})
	}
}

// statusFor maps a membership error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrNotLeader),
		errors.Is(err, types.ErrDuplicateMember),
		errors.Is(err, types.ErrDuplicatePeer),
		errors.Is(err, engine.ErrConfChangePending):
		return http.StatusConflict
	case errors.Is(err, types.ErrMemberNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidNodeID),
		errors.Is(err, types.ErrEmptyPeerID):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTooManyMembers),
		errors.Is(err, types.ErrRemoveLastMember):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error, leader types.NodeID) {
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusConflict {
		resp.Leader = leader
	}
	writeJSON(w, status, resp)
}
