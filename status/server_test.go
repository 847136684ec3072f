package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blockberries/raftberry/engine"
	"github.com/blockberries/raftberry/node"
	"github.com/blockberries/raftberry/types"
)

type fakeBackend struct {
	status  engine.Status
	cluster *types.ClusterConfig
	err     error

	added   []types.Member
	removed []types.NodeID
}

func (b *fakeBackend) Status() engine.Status         { return b.status }
func (b *fakeBackend) Cluster() *types.ClusterConfig { return b.cluster }

func (b *fakeBackend) AddMember(_ context.Context, id types.NodeID, peer types.PeerID) error {
	if b.err != nil {
		return b.err
	}
	b.added = append(b.added, types.Member{ID: id, Peer: peer})
	return nil
}

func (b *fakeBackend) RemoveMember(_ context.Context, id types.NodeID) error {
	if b.err != nil {
		return b.err
	}
	b.removed = append(b.removed, id)
	return nil
}

func newBackend(t *testing.T) *fakeBackend {
	t.Helper()
	members := []types.Member{
		{ID: 1, Peer: types.NewPeerID([]byte{0xA0, 1})},
		{ID: 2, Peer: types.NewPeerID([]byte{0xA0, 2})},
		{ID: 3, Peer: types.NewPeerID([]byte{0xA0, 3})},
	}
	cc, err := types.NewClusterConfig(1, members)
	if err != nil {
		t.Fatalf("NewClusterConfig failed: %v", err)
	}
	return &fakeBackend{
		cluster: cc,
		status: engine.Status{
			ID:      1,
			Running: true,
			Role:    types.RoleLeader,
			Term:    4,
			Leader:  1,
			Members: members,
		},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	b := newBackend(t)
	h := NewRouter(b, nil)

	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	b.status.Running = false
	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when stopped, got %d", rec.Code)
	}
}

func TestStatusRoute(t *testing.T) {
	h := NewRouter(newBackend(t), nil)
	rec := do(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["role"] != "Leader" || got["term"] != float64(4) {
		t.Errorf("unexpected status body %v", got)
	}
}

func TestClusterRoute(t *testing.T) {
	h := NewRouter(newBackend(t), nil)
	rec := do(t, h, http.MethodGet, "/cluster", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got struct {
		Version uint64 `json:"version"`
		Local   uint64 `json:"local"`
		Quorum  int    `json:"quorum"`
		Members []struct {
			ID   uint64 `json:"id"`
			Peer string `json:"peer"`
		} `json:"members"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Local != 1 || got.Quorum != 2 || len(got.Members) != 3 {
		t.Errorf("unexpected cluster body %+v", got)
	}
	if got.Members[1].Peer != "a002" {
		t.Errorf("expected hex peer id a002, got %q", got.Members[1].Peer)
	}
}

func TestAddMember(t *testing.T) {
	b := newBackend(t)
	h := NewRouter(b, nil)

	rec := do(t, h, http.MethodPost, "/cluster/members", map[string]any{"id": 4, "peer": "a004"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if len(b.added) != 1 || b.added[0].ID != 4 || b.added[0].Peer != types.NewPeerID([]byte{0xA0, 4}) {
		t.Errorf("unexpected AddMember calls %v", b.added)
	}

	rec = do(t, h, http.MethodPost, "/cluster/members", map[string]any{"id": 5, "peer": "not-hex"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad peer id, got %d", rec.Code)
	}
}

func TestMembershipErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{node.ErrNotLeader, http.StatusConflict},
		{engine.ErrConfChangePending, http.StatusConflict},
		{fmt.Errorf("%w: 2", types.ErrDuplicateMember), http.StatusConflict},
		{fmt.Errorf("%w: 9", types.ErrMemberNotFound), http.StatusNotFound},
		{types.ErrRemoveLastMember, http.StatusUnprocessableEntity},
		{engine.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		b := newBackend(t)
		b.status.Leader = 3
		b.err = tt.err
		h := NewRouter(b, nil)

		rec := do(t, h, http.MethodDelete, "/cluster/members/2", nil)
		if rec.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, rec.Code)
			continue
		}
		var resp errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Error == "" {
			t.Errorf("%v: expected an error message", tt.err)
		}
		if tt.code == http.StatusConflict && resp.Leader != 3 {
			t.Errorf("%v: expected leader hint 3, got %d", tt.err, resp.Leader)
		}
	}
}

func TestRemoveMemberRejectsBadID(t *testing.T) {
	b := newBackend(t)
	h := NewRouter(b, nil)

	for _, id := range []string{"0", "abc"} {
		if rec := do(t, h, http.MethodDelete, "/cluster/members/"+id, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", id, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodDelete, "/cluster/members/2", nil); rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	if len(b.removed) != 1 || b.removed[0] != 2 {
		t.Errorf("unexpected RemoveMember calls %v", b.removed)
	}
}

func TestServerStartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", newBackend(t), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
